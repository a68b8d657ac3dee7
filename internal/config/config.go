package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every setting the service needs at startup.
type Config struct {
	Environment        string // "production" or "development", governs log encoding
	HTTPPort           string
	StorageDir         string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	DBHost             string
	DBPort             int
	DBUser             string
	DBPassword         string
	DBName             string
	DBSSLMode          string

	// Auth gate selection.
	AuthMode    string // "apikey" or "supabase"
	AuthEnabled bool
	APIKeys     []string

	SupabaseProjectURL string
	SupabaseAnonKey    string
	SupabaseJWTSecret  string

	// Whole-file (non-chunked) storage backend.
	StorageDriver string // "local" or "s3"
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3Region      string
	S3UseSSL      bool
	S3PathStyle   bool

	// Chunked upload core.
	ChunkingEnabled     bool
	ChunkMaxKB          int
	ChunkMinChunks      int
	ChunkSessionTTL     time.Duration
	ChunkRetryAttempts  int
	ChunkedUploadMaxMB  int64
	ChunkedAllowedMime  []string
	ChunkedAllowedExt   []string
	ChunkedUploadsDir   string

	// Session store (Redis).
	SessionRedisAddr     string
	SessionRedisPassword string
	SessionRedisDB       int

	// Janitor sweep of orphaned temp files.
	JanitorEnabled  bool
	JanitorInterval time.Duration
}

// Load reads configuration from the environment, filling in sane defaults.
func Load() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	storage := os.Getenv("STORAGE_DIR")
	if storage == "" {
		storage = "./data"
	}

	if err := ensureDir(storage); err != nil {
		return nil, fmt.Errorf("ensure storage dir: %w", err)
	}

	chunkedDir := envOrDefault("CHUNKED_UPLOADS_DIR", storage)
	if err := ensureDir(chunkedDir); err != nil {
		return nil, fmt.Errorf("ensure chunked uploads dir: %w", err)
	}

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}

	rateLimitRequests, err := parseIntEnv("RATE_LIMIT_REQUESTS", 60)
	if err != nil {
		return nil, err
	}

	rateLimitWindow, err := parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	authMode := envOrDefault("AUTH_MODE", "apikey")
	authEnabled := parseBoolEnv("AUTH_ENABLED", true)
	apiKeys := parseList(os.Getenv("API_KEYS"))
	if len(apiKeys) == 0 {
		apiKeys = []string{"dev-api-key-123456"}
	}

	storageDriver := envOrDefault("STORAGE_DRIVER", "local")

	chunkMaxKB, err := parseIntEnv("CHUNK_MAX_KB", 32768) // 32 MiB ceiling
	if err != nil {
		return nil, err
	}

	chunkMinChunks, err := parseIntEnv("CHUNK_MIN_CHUNKS", 2)
	if err != nil {
		return nil, err
	}

	chunkSessionTTL, err := parseDurationEnv("CHUNK_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	chunkRetryAttempts, err := parseIntEnv("CHUNK_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}

	chunkedMaxMB, err := parseIntEnv("CHUNKED_UPLOAD_MAX_MB", 10240) // 10 GiB cap
	if err != nil {
		return nil, err
	}

	allowedMime := parseList(os.Getenv("CHUNKED_UPLOAD_ALLOWED_MIME"))
	allowedExt := parseList(os.Getenv("CHUNKED_UPLOAD_ALLOWED_EXT"))

	redisDB, err := parseIntEnv("SESSION_REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	janitorInterval, err := parseDurationEnv("JANITOR_INTERVAL", 30*time.Minute)
	if err != nil {
		return nil, err
	}

	return &Config{
		Environment:        envOrDefault("APP_ENV", "development"),
		HTTPPort:           port,
		StorageDir:         storage,
		CORSAllowedOrigins: corsOrigins,
		RateLimitRequests:  rateLimitRequests,
		RateLimitWindow:    rateLimitWindow,
		DBHost:             envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:             dbPort,
		DBUser:             envOrDefault("DB_USER", "chunkedupload"),
		DBPassword:         envOrDefault("DB_PASSWORD", "chunkedupload"),
		DBName:             envOrDefault("DB_NAME", "chunkedupload"),
		DBSSLMode:          envOrDefault("DB_SSL_MODE", "disable"),

		AuthMode:    authMode,
		AuthEnabled: authEnabled,
		APIKeys:     apiKeys,

		SupabaseProjectURL: os.Getenv("SUPABASE_PROJECT_URL"),
		SupabaseAnonKey:    os.Getenv("SUPABASE_ANON_KEY"),
		SupabaseJWTSecret:  os.Getenv("SUPABASE_JWT_SECRET"),

		StorageDriver: storageDriver,
		S3Endpoint:    envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:   envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:   envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:      envOrDefault("S3_BUCKET", "chunkedupload"),
		S3Region:      envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:      parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:   parseBoolEnv("S3_PATH_STYLE", true),

		ChunkingEnabled:    parseBoolEnv("CHUNKED_UPLOAD_ENABLED", true),
		ChunkMaxKB:         chunkMaxKB,
		ChunkMinChunks:     chunkMinChunks,
		ChunkSessionTTL:    chunkSessionTTL,
		ChunkRetryAttempts: chunkRetryAttempts,
		ChunkedUploadMaxMB: int64(chunkedMaxMB),
		ChunkedAllowedMime: allowedMime,
		ChunkedAllowedExt:  allowedExt,
		ChunkedUploadsDir:  chunkedDir,

		SessionRedisAddr:     envOrDefault("SESSION_REDIS_ADDR", "localhost:6379"),
		SessionRedisPassword: os.Getenv("SESSION_REDIS_PASSWORD"),
		SessionRedisDB:       redisDB,

		JanitorEnabled:  parseBoolEnv("JANITOR_ENABLED", false),
		JanitorInterval: janitorInterval,
	}, nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN builds a standard postgres:// connection string.
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
