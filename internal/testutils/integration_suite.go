package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"taxsaathi/apps/backend/internal/config"
)

// IntegrationSuite starts Postgres (with the pgvector extension available),
// Weaviate and nsqd in containers. Setup skips the test under -short.
type IntegrationSuite struct {
	T        *testing.T
	DB       *sql.DB
	DSN      string
	Weaviate *weaviate.Client
	NSQ      *nsq.Producer
	NSQDAddr string

	pgHost       string
	pgPort       int
	weaviateAddr string
	nsqdHTTPAddr string

	pgContainer       *postgres.PostgresContainer
	weaviateContainer testcontainers.Container
	nsqContainer      testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

func (s *IntegrationSuite) Setup() {
	if testing.Short() {
		s.T.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	s.setupPostgres(ctx)
	s.setupWeaviate(ctx)
	s.setupNSQ(ctx)
}

func (s *IntegrationSuite) setupPostgres(ctx context.Context) {
	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("taxsaathi_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	s.DSN, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.pgHost, err = pgContainer.Host(ctx)
	require.NoError(s.T, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.pgPort = pgPort.Int()

	s.DB, err = sql.Open("postgres", s.DSN)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationPath(), s.DSN)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

func (s *IntegrationSuite) setupWeaviate(ctx context.Context) {
	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:latest",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":               "none",
			"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.weaviateContainer = c

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "8080")
	require.NoError(s.T, err)

	s.weaviateAddr = fmt.Sprintf("%s:%s", host, port.Port())
	s.Weaviate, err = weaviate.NewClient(weaviate.Config{
		Host:   s.weaviateAddr,
		Scheme: "http",
	})
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) setupNSQ(ctx context.Context) {
	req := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = c

	host, err := c.Host(ctx)
	require.NoError(s.T, err)
	port, err := c.MappedPort(ctx, "4150")
	require.NoError(s.T, err)

	s.NSQDAddr = fmt.Sprintf("%s:%s", host, port.Port())
	httpPort, err := c.MappedPort(ctx, "4151")
	require.NoError(s.T, err)
	s.nsqdHTTPAddr = fmt.Sprintf("%s:%s", host, httpPort.Port())
	s.NSQ, err = nsq.NewProducer(s.NSQDAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.weaviateContainer != nil {
		s.weaviateContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}

// ConsumeOne waits up to ten seconds for a message on topic and returns it,
// or nil on timeout.
func (s *IntegrationSuite) ConsumeOne(topic string) *nsq.Message {
	consumer, err := nsq.NewConsumer(topic, "test", nsq.NewConfig())
	require.NoError(s.T, err)
	defer consumer.Stop()

	received := make(chan *nsq.Message, 1)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		select {
		case received <- m:
		default:
		}
		return nil
	}))
	require.NoError(s.T, consumer.ConnectToNSQD(s.NSQDAddr))

	select {
	case m := <-received:
		return m
	case <-time.After(10 * time.Second):
		return nil
	}
}

// AppConfig points a configuration at the suite's containers. The language
// model settings are placeholders; tests inject their own models.
func (s *IntegrationSuite) AppConfig() *config.Config {
	return &config.Config{
		LLMProvider:                config.ProviderGemini,
		GeminiAPIKey:               "test-key",
		GenerationTemperature:      0.2,
		LLMTimeoutSeconds:          5,
		ChunkSize:                  1000,
		ChunkOverlap:               200,
		RetrievalTopK:              5,
		VectorBackend:              config.BackendMemory,
		IndexDir:                   s.T.TempDir(),
		IngestConcurrency:          2,
		EnableDatabase:             true,
		DBHost:                     s.pgHost,
		DBPort:                     s.pgPort,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "taxsaathi_test",
		MigrationPath:              MigrationPath(),
		WeaviateHost:               s.weaviateAddr,
		WeaviateScheme:             "http",
		NSQDHost:                   s.NSQDAddr,
		NSQDHTTP:                   s.nsqdHTTPAddr,
		EnableAPI:                  true,
		ServerPort:                 8081,
		QueryLogPath:               filepath.Join(s.T.TempDir(), "query.log"),
		MaxUploadSizeMB:            10,
		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
}

// MigrationPath is the file:// URL of the repository migrations.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s", filepath.Join(filepath.Dir(b), "..", "..", "migrations"))
}
