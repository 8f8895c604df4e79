package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Token issuance policy.
	RateLimitPerHour int
	DefaultCharLimit int

	MaxBodyBytes int64

	// Admin auth. Endpoints stay 503 until all three are set.
	AdminUsername     string
	AdminPasswordHash string
	AdminTokenSecret  string
	AdminTokenTTL     time.Duration

	// Abuse report email delivery. Empty host disables delivery.
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPSender      string
	ModerationEmail string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("ORBIT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("ORBIT_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("ORBIT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("ORBIT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("ORBIT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("ORBIT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("ORBIT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("ORBIT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("ORBIT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ORBIT_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("ORBIT_DB_SCHEMA", "orbit"),

		ReadinessRequireDB: EnvBool("ORBIT_READINESS_REQUIRE_DB", false),

		RateLimitPerHour: EnvInt("ORBIT_RATE_LIMIT_PER_HOUR", 10),
		DefaultCharLimit: EnvInt("ORBIT_DEFAULT_CHAR_LIMIT", 2000),

		MaxBodyBytes: int64(EnvInt("ORBIT_HTTP_MAX_BODY_BYTES", 64*1024)),

		AdminUsername:     EnvString("ORBIT_ADMIN_USERNAME", ""),
		AdminPasswordHash: EnvString("ORBIT_ADMIN_PASSWORD_HASH", ""),
		AdminTokenSecret:  EnvString("ORBIT_ADMIN_TOKEN_SECRET", ""),
		AdminTokenTTL:     EnvDuration("ORBIT_ADMIN_TOKEN_TTL", 30*time.Minute),

		SMTPHost:        EnvString("ORBIT_SMTP_HOST", ""),
		SMTPPort:        EnvInt("ORBIT_SMTP_PORT", 587),
		SMTPUsername:    EnvString("ORBIT_SMTP_USERNAME", ""),
		SMTPPassword:    EnvString("ORBIT_SMTP_PASSWORD", ""),
		SMTPSender:      EnvString("ORBIT_SMTP_SENDER", ""),
		ModerationEmail: EnvString("ORBIT_MODERATION_EMAIL", ""),
	}
}
