package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort    string
	AppMode    string
	LogMode    string
	DBURL      string
	DBHost     string
	DBUser     string
	DBPass     string
	DBName     string
	DBPort     string
	DBMaxConns int

	JWTSecret string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	CachePrefix   string

	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Endpoint   string
	S3PublicBase string

	QueueConcurrency      int
	InlineQueue           bool
	PresencePruneInterval time.Duration
	PresenceTrackThrottle time.Duration
	SendRateLimit         int
	SendRateWindow        time.Duration
	MetricsEnabled        bool
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:    getEnv("APP_PORT", "8080"),
		AppMode:    getEnv("APP_MODE", "debug"),
		LogMode:    getEnv("LOG_MODE", "development"),
		DBURL:      getEnv("DB_URL", ""),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPass:     getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "relay_chat"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBMaxConns: getEnvAsInt("DB_MAX_CONNS", 10),

		JWTSecret: getEnv("JWT_SECRET", "change-me"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		CachePrefix:   getEnv("CACHE_PREFIX", "relay:"),

		S3Region:     getEnv("S3_REGION", ""),
		S3Bucket:     getEnv("S3_BUCKET", ""),
		S3AccessKey:  getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:  getEnv("S3_SECRET_KEY", ""),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),
		S3PublicBase: getEnv("S3_PUBLIC_BASE", ""),

		QueueConcurrency:      getEnvAsInt("QUEUE_CONCURRENCY", 10),
		InlineQueue:           getEnvAsBool("QUEUE_INLINE", false),
		PresencePruneInterval: getEnvAsDuration("PRESENCE_PRUNE_INTERVAL", 2*time.Minute),
		PresenceTrackThrottle: getEnvAsDuration("PRESENCE_TRACK_THROTTLE", 300*time.Second),
		SendRateLimit:         getEnvAsInt("SEND_RATE_LIMIT", 30),
		SendRateWindow:        getEnvAsDuration("SEND_RATE_WINDOW", time.Minute),
		MetricsEnabled:        getEnvAsBool("METRICS_ENABLED", true),
	}
}

// RedisAddr is host:port for go-redis and asynq.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// S3Enabled reports whether attachment storage is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Region != "" && c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
