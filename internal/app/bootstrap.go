package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/api/option"

	"taxsaathi/apps/backend/internal/adapter/gemini"
	"taxsaathi/apps/backend/internal/adapter/ollama"
	"taxsaathi/apps/backend/internal/adapter/pgvector"
	"taxsaathi/apps/backend/internal/adapter/sqlite"
	wstore "taxsaathi/apps/backend/internal/adapter/weaviate"
	"taxsaathi/apps/backend/internal/config"
	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/vector"
)

// SchemaEnsurer is a vector backend that needs its schema created before use.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Dependencies are the external resources the application runs on. DB is nil
// when the database is disabled and NSQProducer is nil unless the compute
// worker is enabled.
type Dependencies struct {
	DB          *sql.DB
	VectorStore vector.Store
	Generator   llm.Generator
	Embedder    llm.Embedder
	NSQProducer *nsq.Producer

	closers []func()
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	// Database
	if cfg.EnableDatabase {
		db, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		deps.DB = db
		deps.OnClose(func() { db.Close() })
	}

	// Vector store
	store, closeStore, err := NewVectorStore(ctx, cfg, retryDelay)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.VectorStore = store
	deps.OnClose(closeStore)

	// Language models
	gen, emb, closeLLM, err := NewLLM(cfg)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Generator, deps.Embedder = gen, emb
	deps.OnClose(closeLLM)

	// NSQ Producer
	if cfg.EnableComputeWorker {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.NSQProducer = producer
		deps.OnClose(producer.Stop)

		createTopics(cfg.NSQDHTTP)
	}

	slog.InfoContext(ctx, "bootstrap complete",
		"llm_provider", cfg.LLMProvider,
		"vector_backend", cfg.VectorBackend,
		"database", cfg.EnableDatabase,
		"compute_worker", cfg.EnableComputeWorker,
	)
	return deps, nil
}

// OnClose registers fn to run when the dependencies are closed.
func (d *Dependencies) OnClose(fn func()) {
	d.closers = append(d.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// OpenDatabase connects to Postgres, retrying the ping, and applies the
// migrations.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	// Retry loop
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		if err := sleep(ctx, retryDelay); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied successfully")
	return db, nil
}

// NewVectorStore opens the backend named by VECTOR_BACKEND. The returned
// func releases it.
func NewVectorStore(ctx context.Context, cfg *config.Config, retryDelay time.Duration) (vector.Store, func(), error) {
	switch cfg.VectorBackend {
	case config.BackendSQLite:
		s, err := sqlite.NewStore(cfg.IndexDir)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store error: %w", err)
		}
		slog.Info("using persistent sqlite index", "path", s.Path())
		return s, func() { s.Close() }, nil

	case config.BackendWeaviate:
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, nil, fmt.Errorf("weaviate client error: %w", err)
		}
		s := wstore.NewStore(wClient)
		if err := EnsureSchemaWithRetry(ctx, s, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return nil, nil, fmt.Errorf("weaviate schema error: %w", err)
		}
		return s, func() {}, nil

	case config.BackendPGVector:
		s, err := pgvector.NewStore(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("pgvector store error: %w", err)
		}
		return s, s.Close, nil

	default:
		return vector.NewMemoryStore(), func() {}, nil
	}
}

// NewLLM builds the generator and embedder for LLM_PROVIDER. Calls are rate
// limited when LLM_RATE_PER_SECOND is set and every attempt, including
// retries, goes through the limiter.
func NewLLM(cfg *config.Config) (llm.Generator, llm.Embedder, func(), error) {
	timeout := time.Duration(cfg.LLMTimeoutSeconds) * time.Second

	var (
		gen     llm.Generator
		emb     llm.Embedder
		release = func() {}
	)
	switch cfg.LLMProvider {
	case config.ProviderOllama:
		c, err := ollama.NewClient(ollama.Config{
			Host:            cfg.OllamaHost,
			GenerationModel: cfg.GenerationModel,
			EmbeddingModel:  cfg.EmbeddingModel,
			Temperature:     cfg.GenerationTemperature,
			Timeout:         timeout,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		gen, emb = c, c
	default:
		c := gemini.NewClient(gemini.Config{
			APIKey:          cfg.GeminiAPIKey,
			GenerationModel: cfg.GenerationModel,
			EmbeddingModel:  cfg.EmbeddingModel,
			Temperature:     cfg.GenerationTemperature,
			Timeout:         timeout,
		}, option.WithUserAgent("taxsaathi"))
		gen, emb = c, c
		release = func() {
			if err := c.Close(); err != nil {
				slog.Warn("failed to close gemini client", "error", err)
			}
		}
	}

	if cfg.LLMRatePerSecond > 0 {
		t := llm.NewThrottled(gen, emb, cfg.LLMRatePerSecond)
		gen, emb = t, t
	}
	r := llm.NewRetrying(gen, emb, llm.RetryPolicy{MaxRetries: cfg.LLMMaxRetries, Delay: llm.DefaultRetryDelay})
	return r, r, release, nil
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicTaxCompute)
	}()
}

// EnsureSchemaWithRetry retries store.EnsureSchema until it succeeds or the
// attempts are used up.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	err := errors.New("no schema attempts configured")
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		slog.Warn("failed to ensure weaviate schema, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
