package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"

	"taxsaathi/apps/backend/features/mcp"
	"taxsaathi/apps/backend/features/stats"
	taxfeature "taxsaathi/apps/backend/features/tax"
	"taxsaathi/apps/backend/internal/config"
	"taxsaathi/apps/backend/internal/ingest"
	"taxsaathi/apps/backend/internal/middleware"
	"taxsaathi/apps/backend/internal/prompt"
	"taxsaathi/apps/backend/internal/rag"
	"taxsaathi/apps/backend/internal/session"
	"taxsaathi/apps/backend/internal/settings"
	"taxsaathi/apps/backend/internal/vector"
	"taxsaathi/apps/backend/internal/worker"
)

const consumerChannel = "backend"

type App struct {
	Handler         http.Handler
	Sessions        *session.Manager
	Computations    *taxfeature.Service
	ComputeConsumer *worker.ComputeConsumer

	cfg *config.Config
}

func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*App, error) {
	// Feature: Settings
	var settingsRepo settings.Repository
	if deps.DB != nil {
		settingsRepo = settings.NewPostgresRepo(deps.DB)
	} else {
		settingsRepo = settings.NewMemoryRepo(settings.Settings{
			RetrievalTopK: cfg.RetrievalTopK,
			ChunkSize:     cfg.ChunkSize,
			ChunkOverlap:  cfg.ChunkOverlap,
		})
	}
	settingsService := settings.NewService(settingsRepo)
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Computation history
	var historyRepo taxfeature.Repository
	if deps.DB != nil {
		historyRepo = taxfeature.NewPostgresRepo(deps.DB)
	} else {
		historyRepo = taxfeature.NewMemoryRepo()
	}
	var pub taxfeature.EventPublisher
	if deps.NSQProducer != nil {
		pub = deps.NSQProducer
	}
	taxService := taxfeature.NewService(historyRepo, pub)

	// Sessions
	sessions, err := NewManager(cfg, deps, settingsService, taxService.Record)
	if err != nil {
		return nil, err
	}
	taxHandler := taxfeature.NewHandler(sessions, taxService, cfg.MaxUploadSizeMB<<20)

	// Feature: Stats
	statsHandler := stats.NewHandler(sessions, historyRepo, deps.VectorStore)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /sessions", middleware.CorrelationID(enableCORS(taxHandler.CreateSession)))
	mux.Handle("GET /sessions", middleware.CorrelationID(enableCORS(taxHandler.ListSessions)))
	mux.Handle("GET /sessions/{id}", middleware.CorrelationID(enableCORS(taxHandler.GetSession)))
	mux.Handle("DELETE /sessions/{id}", middleware.CorrelationID(enableCORS(taxHandler.DeleteSession)))
	mux.Handle("POST /sessions/{id}/reset", middleware.CorrelationID(enableCORS(taxHandler.ResetSession)))
	mux.Handle("POST /sessions/{id}/documents", middleware.CorrelationID(enableCORS(taxHandler.Upload)))
	mux.Handle("POST /sessions/{id}/ask", middleware.CorrelationID(enableCORS(taxHandler.Ask)))
	mux.Handle("POST /sessions/{id}/compute", middleware.CorrelationID(enableCORS(taxHandler.Compute)))
	mux.Handle("GET /sessions/{id}/result", middleware.CorrelationID(enableCORS(taxHandler.GetResult)))
	mux.Handle("GET /sessions/{id}/itr/{regime}", middleware.CorrelationID(enableCORS(taxHandler.DownloadITR)))
	mux.Handle("GET /sessions/{id}/itr.zip", middleware.CorrelationID(enableCORS(taxHandler.DownloadBundle)))

	mux.Handle("GET /computations", middleware.CorrelationID(enableCORS(taxHandler.ListComputations)))
	mux.Handle("GET /computations/{id}", middleware.CorrelationID(enableCORS(taxHandler.GetComputation)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	// Feature: MCP
	mcpHandler := mcp.NewHandler(sessions)
	mux.Handle("/mcp", middleware.CorrelationID(mcpHandler))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})

	a := &App{
		Handler:      mux,
		Sessions:     sessions,
		Computations: taxService,
		cfg:          cfg,
	}
	if cfg.EnableComputeWorker {
		a.ComputeConsumer = worker.NewComputeConsumer(sessions, worker.DefaultComputeTimeout)
	}
	return a, nil
}

// NewManager builds the session pipeline shared by the server and the
// command line. settings and onComputed may be nil.
func NewManager(cfg *config.Config, deps *Dependencies, settingsProvider rag.SettingsProvider, onComputed session.ComputedHook) (*session.Manager, error) {
	templates, err := prompt.LoadTemplates(cfg.PromptsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	composer, err := prompt.NewComposer(templates)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompts: %w", err)
	}

	queryLogger, err := rag.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = rag.NewQueryLogger(os.Stdout)
	}

	ragOpts := []rag.Option{
		rag.WithDefaults(rag.Params{ChunkSize: cfg.ChunkSize, ChunkOverlap: cfg.ChunkOverlap, TopK: cfg.RetrievalTopK}),
		rag.WithQueryLogger(queryLogger),
	}
	if settingsProvider != nil {
		ragOpts = append(ragOpts, rag.WithSettings(settingsProvider))
	}
	var indexOpts []vector.Option
	if cfg.IncrementalIndex {
		indexOpts = append(indexOpts, vector.WithIncremental())
	}

	return session.NewManager(session.Config{
		Ingester:     ingest.NewService(ingest.PDFExtractor{}, cfg.IngestConcurrency),
		Store:        deps.VectorStore,
		Embedder:     deps.Embedder,
		Generator:    deps.Generator,
		Composer:     composer,
		IndexOptions: indexOpts,
		RAGOptions:   ragOpts,
		OnComputed:   onComputed,
	}), nil
}

// Run serves the API and, when enabled, consumes compute tasks until ctx is
// done.
func (a *App) Run(ctx context.Context) error {
	defer a.Sessions.Close()

	if a.ComputeConsumer != nil {
		consumer, err := a.startConsumer()
		if err != nil {
			return err
		}
		defer consumer.Stop()
	}

	if !a.cfg.EnableAPI {
		slog.Info("api disabled, running worker only")
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) startConsumer() (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(config.TopicTaxCompute, consumerChannel, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	consumer.AddHandler(a.ComputeConsumer)
	if err := consumer.ConnectToNSQLookupd(a.cfg.NSQLookupd); err != nil {
		slog.Error("failed to connect to NSQLookupd", "error", err)
	} else {
		slog.Info("NSQ compute consumer connected")
	}
	return consumer, nil
}
