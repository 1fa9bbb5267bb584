package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Snapshot storage: "postgres" (gorm) or "mongo"
	SnapshotBackend string
	MongoURI        string
	MongoDatabase   string

	// History buffer lives in Redis when set, otherwise in the SQL database
	RedisURL     string
	HistoryLimit int

	ServerPort string
	ServerHost string

	// Sync engine tuning
	RepositoryTimeout   time.Duration
	HydrateRetryBackoff time.Duration
	DocumentIdleTimeout time.Duration
	DocumentQueueSize   int
	SendBufferSize      int

	// Identity and authorization boundary
	JWTSecret          string
	DefaultRole        string
	DocumentServiceURL string
	AllowedOrigins     []string

	// Observability
	JaegerEndpoint  string
	MetricsInterval time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "docsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		SnapshotBackend: getEnv("SNAPSHOT_BACKEND", BackendPostgres),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DATABASE", "collaboration"),

		RedisURL:     getEnv("REDIS_URL", ""),
		HistoryLimit: getEnvInt("HISTORY_LIMIT", 500),

		ServerPort: getEnv("SERVER_PORT", "8000"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		RepositoryTimeout:   getEnvDuration("REPOSITORY_TIMEOUT", 3*time.Second),
		HydrateRetryBackoff: getEnvDuration("HYDRATE_RETRY_BACKOFF", 200*time.Millisecond),
		DocumentIdleTimeout: getEnvDuration("DOCUMENT_IDLE_TIMEOUT", 2*time.Minute),
		DocumentQueueSize:   getEnvInt("DOCUMENT_QUEUE_SIZE", 64),
		SendBufferSize:      getEnvInt("SEND_BUFFER_SIZE", 256),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		DefaultRole:        getEnv("DEFAULT_ROLE", "editor"),
		DocumentServiceURL: strings.TrimRight(getEnv("DOCUMENT_SERVICE_URL", ""), "/"),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "")),

		JaegerEndpoint:  getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		MetricsInterval: getEnvDuration("METRICS_INTERVAL", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.SnapshotBackend {
	case BackendPostgres, BackendMongo:
	default:
		return fmt.Errorf("SNAPSHOT_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMongo, c.SnapshotBackend)
	}

	switch c.DefaultRole {
	case "viewer", "editor", "admin":
	default:
		return fmt.Errorf("DEFAULT_ROLE must be viewer, editor or admin, got %q", c.DefaultRole)
	}

	if c.RepositoryTimeout <= 0 {
		return fmt.Errorf("REPOSITORY_TIMEOUT must be positive")
	}
	if c.RepositoryTimeout >= 10*time.Second {
		return fmt.Errorf("REPOSITORY_TIMEOUT must stay under 10s, got %s", c.RepositoryTimeout)
	}
	if c.DocumentQueueSize <= 0 || c.SendBufferSize <= 0 {
		return fmt.Errorf("DOCUMENT_QUEUE_SIZE and SEND_BUFFER_SIZE must be positive")
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}

	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// AuthEnabled reports whether connections must carry a signed token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
