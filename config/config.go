package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"QFetch/core/naming"
	"QFetch/core/retry"

	"github.com/joho/godotenv"
)

// KnownServices lists the backends in default fallback order.
var KnownServices = []string{"tidal", "deezer", "amazon", "qobuz"}

// Config stores the application configuration.
type Config struct {
	// Download settings
	OutputDir           string
	Service             string
	ServiceFallback     []string
	FilenameFormat      string
	FileExtension       string
	TrackNumbers        bool
	AlbumSubfolders     bool
	MaxConcurrent       int
	Retry404Enabled     bool
	Retry404MaxAttempts int
	Retry404Delay       time.Duration
	MetadataMaxAttempts int
	MetadataRetryDelay  time.Duration
	MaxRetryDelay       time.Duration
	BackoffMultiplier   float64
	SourceMarker        string
	CacheDir            string // parent of the process-scoped cache dir; empty means os.TempDir
	InboxDir            string

	// Playback prefetch
	PrefetchMaxAttempts int
	PrefetchRetryDelay  time.Duration
	AutoPlayInterval    time.Duration
	AutoPlayMaxAttempts int

	// Backends
	MetadataBaseURL  string
	ServiceEndpoints map[string]string // service name -> base URL
	ServiceRateLimit float64           // requests per second, 0 disables limiting
	HTTPTimeout      time.Duration

	// Redis配置
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RunTTL        time.Duration

	// Database (download history)
	DBDriver   string // mysql or sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	// MinIO mirror
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	MinioPrefix    string

	LogLevel   string
	LogPath    string
	ServerPort string

	// APISecret 非空时 /api 路由要求 Bearer 令牌
	APISecret   string
	APITokenTTL time.Duration
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("1500ms") or plain seconds ("3").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load loads configuration from environment variables (via .env files) or defaults.
// godotenv does not override variables that are already set.
func Load(envFiles ...string) *Config {
	if err := godotenv.Load(envFiles...); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	endpoints := make(map[string]string)
	for _, name := range KnownServices {
		if url := getEnv("SERVICE_URL_"+strings.ToUpper(name), ""); url != "" {
			endpoints[name] = strings.TrimRight(url, "/")
		}
	}

	return &Config{
		OutputDir:           getEnv("OUTPUT_DIR", "downloads"),
		Service:             strings.ToLower(getEnv("SERVICE", "tidal")),
		ServiceFallback:     getEnvList("SERVICE_FALLBACK", KnownServices),
		FilenameFormat:      getEnv("FILENAME_FORMAT", string(naming.FormatTitleArtist)),
		FileExtension:       getEnv("FILE_EXTENSION", naming.DefaultExtension),
		TrackNumbers:        getEnvBool("USE_TRACK_NUMBERS", true),
		AlbumSubfolders:     getEnvBool("USE_ALBUM_SUBFOLDERS", true),
		MaxConcurrent:       getEnvInt("MAX_CONCURRENT", 1),
		Retry404Enabled:     getEnvBool("RETRY_404_ENABLED", true),
		Retry404MaxAttempts: getEnvInt("RETRY_404_MAX_ATTEMPTS", 10),
		Retry404Delay:       getEnvDuration("RETRY_404_DELAY", 3*time.Second),
		MetadataMaxAttempts: getEnvInt("METADATA_MAX_ATTEMPTS", 5),
		MetadataRetryDelay:  getEnvDuration("METADATA_RETRY_DELAY", 2*time.Second),
		MaxRetryDelay:       getEnvDuration("MAX_RETRY_DELAY", retry.DefaultMaxDelay),
		BackoffMultiplier:   getEnvFloat("BACKOFF_MULTIPLIER", retry.DefaultMultiplier),
		SourceMarker:        getEnv("SOURCE_MARKER", "spotify.com"),
		CacheDir:            getEnv("CACHE_DIR", ""),
		InboxDir:            getEnv("INBOX_DIR", "inbox"),

		PrefetchMaxAttempts: getEnvInt("PREFETCH_MAX_ATTEMPTS", 3),
		PrefetchRetryDelay:  getEnvDuration("PREFETCH_RETRY_DELAY", 2*time.Second),
		AutoPlayInterval:    getEnvDuration("AUTOPLAY_INTERVAL", 300*time.Millisecond),
		AutoPlayMaxAttempts: getEnvInt("AUTOPLAY_MAX_ATTEMPTS", 20),

		MetadataBaseURL:  strings.TrimRight(getEnv("METADATA_BASE_URL", "http://127.0.0.1:8090"), "/"),
		ServiceEndpoints: endpoints,
		ServiceRateLimit: getEnvFloat("SERVICE_RATE_LIMIT", 2),
		HTTPTimeout:      getEnvDuration("HTTP_TIMEOUT", 60*time.Second),

		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RunTTL:        getEnvDuration("RUN_TTL", 24*time.Hour),

		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "qfetch"),
		SQLitePath: getEnv("SQLITE_PATH", "qfetch.db"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "qfetch"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioPrefix:    getEnv("MINIO_PREFIX", "tracks"),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPath:    getEnv("LOG_PATH", ""),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		APISecret:   os.Getenv("API_JWT_SECRET"),
		APITokenTTL: getEnvDuration("API_TOKEN_TTL", 30*24*time.Hour),
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := naming.ParseFormat(c.FilenameFormat); err != nil {
		return err
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.Retry404MaxAttempts < 1 || c.MetadataMaxAttempts < 1 || c.PrefetchMaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be >= 1")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("BACKOFF_MULTIPLIER must be >= 1, got %v", c.BackoffMultiplier)
	}
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if strings.TrimSpace(c.SourceMarker) == "" {
		return fmt.Errorf("SOURCE_MARKER must not be empty")
	}
	return nil
}

// NamingOptions builds the filename resolver options.
func (c *Config) NamingOptions() naming.Options {
	format, err := naming.ParseFormat(c.FilenameFormat)
	if err != nil {
		format = naming.FormatTitleArtist
	}
	return naming.Options{
		Format:          format,
		TrackNumbers:    c.TrackNumbers,
		AlbumSubfolders: c.AlbumSubfolders,
		Extension:       c.FileExtension,
	}
}

// TrackPolicy is the per-track download retry policy for bulk runs.
func (c *Config) TrackPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.Retry404MaxAttempts,
		BaseDelay:     c.Retry404Delay,
		MaxDelay:      c.MaxRetryDelay,
		Multiplier:    c.BackoffMultiplier,
		RetryNotFound: c.Retry404Enabled,
	}
}

// MetadataPolicy is the metadata resolution retry policy.
func (c *Config) MetadataPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.MetadataMaxAttempts,
		BaseDelay:     c.MetadataRetryDelay,
		MaxDelay:      c.MaxRetryDelay,
		Multiplier:    c.BackoffMultiplier,
		RetryNotFound: c.Retry404Enabled,
	}
}

// PrefetchPolicy is the fixed-interval policy of the playback cache.
func (c *Config) PrefetchPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.PrefetchMaxAttempts,
		BaseDelay:     c.PrefetchRetryDelay,
		MaxDelay:      c.MaxRetryDelay,
		Multiplier:    1,
		RetryNotFound: true,
	}
}
