package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the relay.
type Config struct {
	// Required variables
	JWTSecret string
	Port      string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Session/connection limits (spec.md §5, §4.1)
	IdleTimeout     time.Duration
	OutboundQueueSz int
	MaxBinaryFrame  int64 // bytes, spec.md §4.9

	// Room limits (spec.md §4.3, §4.8)
	MaxViewersPerRoom  int
	AccessCodeTTL      time.Duration
	RoomPasswordCost   int // bcrypt cost, spec.md §4.8
	RequireApproval    bool

	// Rate limiting (spec.md §4.6)
	MessagesPerSecond   int
	RoomCreationsPerHr  int
	SessionBucketTTL    time.Duration
	IPBucketTTL         time.Duration

	// IP throttle (spec.md §4.7)
	FailedAuthBeforeBlock int
	IPBlockDuration       time.Duration

	// Rate Limits (HTTP surface, teacher's ulule/limiter string format)
	RateLimitApiGlobal   string
	RateLimitApiPublic   string
	RateLimitApiRooms    string
	RateLimitApiMessages string
	RateLimitWsIp        string
	RateLimitWsUser      string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Auth
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Session/connection limits
	cfg.IdleTimeout = getEnvDurationOrDefault("IDLE_TIMEOUT_MINUTES", 60*time.Minute, time.Minute)
	cfg.OutboundQueueSz = getEnvIntOrDefault("OUTBOUND_QUEUE_SIZE", 1024)
	cfg.MaxBinaryFrame = getEnvInt64OrDefault("MAX_BINARY_FRAME_BYTES", 10*1024*1024)

	// Room limits
	cfg.MaxViewersPerRoom = getEnvIntOrDefault("MAX_VIEWERS_PER_ROOM", 0) // 0 = the room package's hard cap of 100
	cfg.AccessCodeTTL = getEnvDurationOrDefault("ACCESS_CODE_TTL_HOURS", 24*time.Hour, time.Hour)
	cfg.RoomPasswordCost = getEnvIntOrDefault("ROOM_PASSWORD_BCRYPT_COST", 12)
	cfg.RequireApproval = os.Getenv("REQUIRE_APPROVAL_DEFAULT") == "true"

	// Rate limiting
	cfg.MessagesPerSecond = getEnvIntOrDefault("MESSAGES_PER_SECOND", 100)
	cfg.RoomCreationsPerHr = getEnvIntOrDefault("ROOM_CREATIONS_PER_HOUR", 10)
	cfg.SessionBucketTTL = getEnvDurationOrDefault("SESSION_BUCKET_TTL_MINUTES", 5*time.Minute, time.Minute)
	cfg.IPBucketTTL = getEnvDurationOrDefault("IP_BUCKET_TTL_HOURS", 2*time.Hour, time.Hour)

	// IP throttle
	cfg.FailedAuthBeforeBlock = getEnvIntOrDefault("FAILED_AUTH_BEFORE_BLOCK", 5)
	cfg.IPBlockDuration = getEnvDurationOrDefault("IP_BLOCK_DURATION_MINUTES", 15*time.Minute, time.Minute)

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitApiRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitApiMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"idle_timeout", cfg.IdleTimeout,
		"messages_per_second", cfg.MessagesPerSecond,
		"room_creations_per_hour", cfg.RoomCreationsPerHr,
		"rate_limit_api_global", cfg.RateLimitApiGlobal,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration, unit time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * unit
		}
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
