package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Credits     CreditsConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Admin       AdminConfig
}

// CreditsConfig carries the grant allotment and the meter cost table. Costs
// are deployment configuration, never computed by the ledger itself.
type CreditsConfig struct {
	FreeMonthlyCredits int64
	MeterCosts         map[string]int64
}

type RateLimitConfig struct {
	Capacity      int
	WindowSeconds int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type IdempotencyConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type AdminConfig struct {
	FreeBypass bool
	Emails     []string
}

// IsAdminEmail reports whether the email is on the configured admin list.
func (c AdminConfig) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, candidate := range c.Emails {
		if candidate == email {
			return true
		}
	}
	return false
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "quillforge"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Credits: CreditsConfig{
			FreeMonthlyCredits: getenvInt64("FREE_MONTHLY_CREDITS", 10000),
			MeterCosts:         loadMeterCosts(),
		},
		RateLimit: RateLimitConfig{
			Capacity:      getenvInt("RATE_LIMIT_CAPACITY", 30),
			WindowSeconds: getenvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("RATE_LIMIT_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
		},
		Idempotency: IdempotencyConfig{
			TTL:           getenvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			SweepInterval: getenvDuration("IDEMPOTENCY_SWEEP_INTERVAL", time.Hour),
		},
		Admin: AdminConfig{
			FreeBypass: getenvBool("FREE_ADMIN_BYPASS", false),
			Emails:     parseEmails(getenv("ADMIN_EMAILS", "")),
		},
	}

	return cfg
}

// loadMeterCosts mirrors the reference cost table; every entry can be
// overridden per deployment.
func loadMeterCosts() map[string]int64 {
	return map[string]int64{
		"OUTLINE":          getenvInt64("EBOOK_OUTLINE_CREDITS", 1000),
		"CHAPTER":          getenvInt64("EBOOK_CHAPTER_CREDITS", 500),
		"SNIPPET":          getenvInt64("SNIPPET_CREDITS", 50),
		"IMAGE_GENERATION": getenvInt64("IMAGE_GENERATION_CREDITS", 200),
		"EXPORT_PDF":       getenvInt64("EXPORT_PDF_CREDITS", 50),
		"EXPORT_EPUB":      getenvInt64("EXPORT_EPUB_CREDITS", 50),
		"EXPORT_DOCX":      getenvInt64("EXPORT_DOCX_CREDITS", 50),
	}
}

func parseEmails(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
