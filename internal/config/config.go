package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitEnabled  bool
	WebhookRate       float64
	WebhookBurst      int
	JobLockTTLSeconds int

	HTTPAddr   string
	CronSecret string

	TelephonyAccountSID string
	TelephonyAuthToken  string
	TelephonyBaseURL    string

	PaymentsAPIKey       string
	PaymentsBaseURL      string
	PaymentWebhookSecret string

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	AdminEmail string
	AdminPhone string

	SlackWebhookURL   string
	SlackAlertChannel string

	DispatchWorkers   int
	DispatchQueueSize int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "snapcalls"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "snapcalls"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		RateLimitEnabled:  getenvBool("RATE_LIMIT_ENABLED", false),
		WebhookRate:       getenvFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookBurst:      getenvInt("WEBHOOK_RATE_BURST", 40),
		JobLockTTLSeconds: getenvInt("JOB_LOCK_TTL_SECONDS", 300),

		HTTPAddr:   getenv("HTTP_ADDR", ":8080"),
		CronSecret: strings.TrimSpace(getenv("CRON_SECRET", "")),

		TelephonyAccountSID: strings.TrimSpace(getenv("TELEPHONY_ACCOUNT_SID", "")),
		TelephonyAuthToken:  strings.TrimSpace(getenv("TELEPHONY_AUTH_TOKEN", "")),
		TelephonyBaseURL:    getenv("TELEPHONY_BASE_URL", "https://api.twilio.com"),

		PaymentsAPIKey:       strings.TrimSpace(getenv("PAYMENTS_API_KEY", "")),
		PaymentsBaseURL:      getenv("PAYMENTS_BASE_URL", "https://api.stripe.com"),
		PaymentWebhookSecret: strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),

		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUser:     getenv("SMTP_USER", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", "billing@snapcalls.io"),

		AdminEmail: strings.TrimSpace(getenv("ADMIN_EMAIL", "")),
		AdminPhone: strings.TrimSpace(getenv("ADMIN_PHONE", "")),

		SlackWebhookURL:   strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
		SlackAlertChannel: getenv("SLACK_ALERT_CHANNEL", "#billing-alerts"),

		DispatchWorkers:   getenvInt("DISPATCH_WORKERS", 4),
		DispatchQueueSize: getenvInt("DISPATCH_QUEUE_SIZE", 256),
	}

	return cfg
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
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
