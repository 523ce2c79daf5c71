package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"

	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendWeaviate = "weaviate"
	BackendPGVector = "pgvector"
)

type Config struct {
	// Language models
	LLMProvider           string  `envconfig:"LLM_PROVIDER" default:"gemini"`
	GeminiAPIKey          string  `envconfig:"GEMINI_API_KEY"`
	GenerationModel       string  `envconfig:"GENERATION_MODEL" default:"gemini-1.5-pro"`
	EmbeddingModel        string  `envconfig:"EMBEDDING_MODEL" default:"embedding-001"`
	OllamaHost            string  `envconfig:"OLLAMA_HOST" default:"http://localhost:11434"`
	GenerationTemperature float32 `envconfig:"GENERATION_TEMPERATURE" default:"0.2"`
	LLMTimeoutSeconds     int     `envconfig:"LLM_TIMEOUT_SECONDS" default:"60"`
	LLMMaxRetries         int     `envconfig:"LLM_MAX_RETRIES" default:"1"`
	LLMRatePerSecond      float64 `envconfig:"LLM_RATE_PER_SECOND" default:"0"`

	// Retrieval
	ChunkSize        int    `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap     int    `envconfig:"CHUNK_OVERLAP" default:"200"`
	RetrievalTopK    int    `envconfig:"RETRIEVAL_TOP_K" default:"5"`
	VectorBackend    string `envconfig:"VECTOR_BACKEND" default:"memory"`
	IndexDir         string `envconfig:"INDEX_DIR" default:"chroma_db"`
	IncrementalIndex bool   `envconfig:"INCREMENTAL_INDEX" default:"false"`
	PromptsFile      string `envconfig:"PROMPTS_FILE"`

	IngestConcurrency int `envconfig:"INGEST_CONCURRENCY" default:"4"`

	// Postgres
	EnableDatabase bool   `envconfig:"ENABLE_DATABASE" default:"true"`
	DBHost         string `envconfig:"DB_HOST" default:"postgres"`
	DBPort         int    `envconfig:"DB_PORT" default:"5432"`
	DBUser         string `envconfig:"DB_USER" default:"taxsaathi"`
	DBPass         string `envconfig:"DB_PASS" default:"password"`
	DBName         string `envconfig:"DB_NAME" default:"taxsaathi"`
	MigrationPath  string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd          string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost            string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP            string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EnableComputeWorker bool   `envconfig:"ENABLE_COMPUTE_WORKER" default:"false"`

	// Server
	EnableAPI       bool   `envconfig:"ENABLE_API" default:"true"`
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	c.VectorBackend = strings.ToLower(strings.TrimSpace(c.VectorBackend))

	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: OLLAMA_HOST", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: LLM_PROVIDER %q", ErrInvalid, c.LLMProvider)
	}

	switch c.VectorBackend {
	case BackendMemory, BackendSQLite, BackendWeaviate:
	case BackendPGVector:
		if !c.EnableDatabase {
			return fmt.Errorf("%w: VECTOR_BACKEND pgvector requires ENABLE_DATABASE", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}

	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalid)
	}
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("%w: RETRIEVAL_TOP_K must be positive", ErrInvalid)
	}
	if c.LLMMaxRetries < 0 || c.LLMRatePerSecond < 0 {
		return fmt.Errorf("%w: LLM_MAX_RETRIES and LLM_RATE_PER_SECOND must not be negative", ErrInvalid)
	}

	if c.EnableDatabase {
		if c.DBHost == "" {
			return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
		}
		if c.DBUser == "" {
			return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
		}
		if c.DBName == "" {
			return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
		}
	}
	return nil
}

// DSN is the Postgres connection string for lib/pq and pgx.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
