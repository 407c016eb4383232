package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Quota policy knobs. Zero values fall back to the package defaults
	// in cmd/internal/quota.
	QuotaDefaultPool int
	QuotaFreshPool   int
	QuotaBonusAmount int

	// Base URL used to render shareable invite links.
	InviteLinkBase string

	// Origin patterns accepted by the quota WebSocket (comma-separated in env).
	WSOriginPatterns []string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VINE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VINE_LOG_LEVEL", "info"),
		LogFormat: EnvString("VINE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("VINE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VINE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VINE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VINE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("VINE_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:   int64(EnvInt("VINE_HTTP_MAX_BODY_BYTES", 1<<16)),

		DatabaseURL: EnvString("VINE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("VINE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("VINE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("VINE_READINESS_REQUIRE_DB", false),

		QuotaDefaultPool: EnvInt("VINE_QUOTA_DEFAULT_POOL", 0),
		QuotaFreshPool:   EnvInt("VINE_QUOTA_FRESH_POOL", 0),
		QuotaBonusAmount: EnvInt("VINE_QUOTA_BONUS_AMOUNT", 0),

		InviteLinkBase: EnvString("VINE_INVITE_LINK_BASE", "http://localhost:8080"),

		WSOriginPatterns: EnvStringSlice("VINE_WS_ORIGIN_PATTERNS", []string{"localhost:*", "127.0.0.1:*"}),

		CORSAllowedOrigins:   EnvStringSlice("VINE_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("VINE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("VINE_CORS_MAX_AGE_SECONDS", 600),
	}
}
