// Package config provides environment configuration for the chat service.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string
	StreamHeartbeat    time.Duration

	// Postgres settings
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// NATS settings; "memory" runs an in-process broker for development
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Typing status backend: "postgres" or "redis"
	TypingBackend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Object storage settings
	StorageURL        string
	StorageBucket     string
	StorageServiceKey string
	UploadDir         string
	MaxUploadBytes    int64
	UploadTTL         time.Duration

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Chat tunables
	SendMaxRetries    int
	SendRetryBase     time.Duration
	TypingDebounce    time.Duration
	PeerTypingTTL     time.Duration
	ResubscribeMaxGap time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS"),
		StreamHeartbeat:    getDurationEnv("STREAM_HEARTBEAT", 30*time.Second),

		// Postgres
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBMaxConns:  getIntEnv("DB_MAX_CONNS", 10),
		DBMinConns:  getIntEnv("DB_MIN_CONNS", 0),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Typing
		TypingBackend: getEnv("TYPING_BACKEND", "postgres"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// Storage
		StorageURL:        getEnv("STORAGE_URL", ""),
		StorageBucket:     getEnv("STORAGE_BUCKET", "chat-images"),
		StorageServiceKey: getEnv("STORAGE_SERVICE_KEY", ""),
		UploadDir:         getEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "chat-uploads")),
		MaxUploadBytes:    int64(getIntEnv("MAX_UPLOAD_BYTES", 10<<20)),
		UploadTTL:         getDurationEnv("UPLOAD_TTL", time.Hour),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Chat
		SendMaxRetries:    getIntEnv("CHAT_SEND_MAX_RETRIES", 3),
		SendRetryBase:     getDurationEnv("CHAT_SEND_RETRY_BASE", time.Second),
		TypingDebounce:    getDurationEnv("CHAT_TYPING_DEBOUNCE", time.Second),
		PeerTypingTTL:     getDurationEnv("CHAT_PEER_TYPING_TTL", 5*time.Second),
		ResubscribeMaxGap: getDurationEnv("CHAT_RESUBSCRIBE_MAX_GAP", 30*time.Second),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping empty items.
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// UseMemoryBroker reports whether realtime events stay in process.
func (c *Config) UseMemoryBroker() bool {
	return strings.EqualFold(c.NATSURL, "memory")
}

// UseMemoryStore reports whether no database is configured.
func (c *Config) UseMemoryStore() bool {
	return c.DatabaseURL == ""
}
