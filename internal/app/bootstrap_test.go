package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxsaathi/apps/backend/internal/adapter/sqlite"
	"taxsaathi/apps/backend/internal/app"
	"taxsaathi/apps/backend/internal/config"
	"taxsaathi/apps/backend/internal/llm"
	"taxsaathi/apps/backend/internal/vector"
)

type MockSchemaStore struct {
	EnsureSchemaErr error
	callCount       int
	failUntil       int
}

func (m *MockSchemaStore) EnsureSchema(ctx context.Context) error {
	m.callCount++
	if m.callCount <= m.failUntil {
		return errors.New("schema error")
	}
	return m.EnsureSchemaErr
}

func TestEnsureSchemaWithRetry_Success(t *testing.T) {
	store := &MockSchemaStore{}
	err := app.EnsureSchemaWithRetry(context.Background(), store, 1, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 1, store.callCount)
}

func TestEnsureSchemaWithRetry_Retries(t *testing.T) {
	store := &MockSchemaStore{failUntil: 2}
	err := app.EnsureSchemaWithRetry(context.Background(), store, 5, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, store.callCount)
}

func TestEnsureSchemaWithRetry_Fail(t *testing.T) {
	store := &MockSchemaStore{EnsureSchemaErr: errors.New("permanent error")}
	err := app.EnsureSchemaWithRetry(context.Background(), store, 3, time.Millisecond)
	assert.EqualError(t, err, "permanent error")
	assert.Equal(t, 3, store.callCount)
}

func TestEnsureSchemaWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &MockSchemaStore{failUntil: 10}
	err := app.EnsureSchemaWithRetry(ctx, store, 5, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.callCount)
}

func TestEnsureSchemaWithRetry_NoAttempts(t *testing.T) {
	store := &MockSchemaStore{}
	err := app.EnsureSchemaWithRetry(context.Background(), store, 0, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 0, store.callCount)
}

func TestBootstrap_ConfigurationError(t *testing.T) {
	cfg := &config.Config{
		EnableDatabase: true,
		DBHost:         "invalid-host",
	}
	deps, err := app.Bootstrap(context.Background(), cfg)
	assert.Error(t, err)
	assert.Nil(t, deps)
}

func TestBootstrap_WithoutExternalServices(t *testing.T) {
	cfg := &config.Config{
		LLMProvider:   config.ProviderOllama,
		OllamaHost:    "http://localhost:11434",
		VectorBackend: config.BackendMemory,
	}
	deps, err := app.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()

	assert.Nil(t, deps.DB)
	assert.Nil(t, deps.NSQProducer)
	assert.IsType(t, &vector.MemoryStore{}, deps.VectorStore)
	assert.NotNil(t, deps.Generator)
	assert.NotNil(t, deps.Embedder)
}

func TestNewVectorStore(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		store, release, err := app.NewVectorStore(context.Background(), &config.Config{VectorBackend: config.BackendMemory}, 0)
		require.NoError(t, err)
		defer release()
		assert.IsType(t, &vector.MemoryStore{}, store)
	})

	t.Run("SQLite", func(t *testing.T) {
		cfg := &config.Config{VectorBackend: config.BackendSQLite, IndexDir: t.TempDir()}
		store, release, err := app.NewVectorStore(context.Background(), cfg, 0)
		require.NoError(t, err)
		defer release()
		assert.IsType(t, &sqlite.Store{}, store)
	})

	t.Run("WeaviateUnreachable", func(t *testing.T) {
		cfg := &config.Config{
			VectorBackend:          config.BackendWeaviate,
			WeaviateHost:           "localhost:1",
			WeaviateScheme:         "http",
			BootstrapRetryAttempts: 1,
		}
		_, _, err := app.NewVectorStore(context.Background(), cfg, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "weaviate schema error")
	})
}

func TestNewLLM(t *testing.T) {
	t.Run("Gemini", func(t *testing.T) {
		gen, emb, release, err := app.NewLLM(&config.Config{LLMProvider: config.ProviderGemini, GeminiAPIKey: "k", LLMMaxRetries: 2})
		require.NoError(t, err)
		defer release()
		assert.IsType(t, &llm.Retrying{}, gen)
		assert.IsType(t, &llm.Retrying{}, emb)
	})

	t.Run("OllamaThrottled", func(t *testing.T) {
		gen, _, release, err := app.NewLLM(&config.Config{LLMProvider: config.ProviderOllama, OllamaHost: "http://localhost:11434", LLMRatePerSecond: 2})
		require.NoError(t, err)
		defer release()
		assert.Implements(t, (*llm.BatchEmbedder)(nil), gen)
	})

	t.Run("InvalidOllamaHost", func(t *testing.T) {
		_, _, _, err := app.NewLLM(&config.Config{LLMProvider: config.ProviderOllama, OllamaHost: "://bad"})
		assert.Error(t, err)
	})
}
