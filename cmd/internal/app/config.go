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
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// DatabaseURL selects the Postgres store; empty runs the in-memory store.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	AutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// CORS for /v1 routes. Empty disables the middleware.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSDevInsecure        bool
	WSOriginRequired     bool
	WSAllowedOrigins     []string
	WSTrustHelloIdentity bool
	WSSendQueueSize      int
	WSPingInterval       time.Duration

	// FeedQueueSize is the per-subscriber change-feed buffer.
	FeedQueueSize int

	PresenceInterval   time.Duration
	PresenceStaleAfter time.Duration

	ProfileCacheTTL time.Duration

	// NotifyEndpoint receives assignment notifications; empty disables them.
	NotifyEndpoint   string
	NotifySigningKey string
	NotifyTimeout    time.Duration
	// If true, NotifySigningKey MUST be set whenever NotifyEndpoint is.
	RequireNotifySignature bool
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is read first when present.
func LoadConfig() Config {
	LoadDotEnv()

	return Config{
		HTTPAddr:  EnvString("TASKCHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TASKCHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("TASKCHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TASKCHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TASKCHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TASKCHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TASKCHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("TASKCHAT_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("TASKCHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("TASKCHAT_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TASKCHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TASKCHAT_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("TASKCHAT_DB_SCHEMA", "taskchat"),
		AutoMigrate: EnvBool("TASKCHAT_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("TASKCHAT_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("TASKCHAT_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("TASKCHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("TASKCHAT_CORS_MAX_AGE_SECONDS", 600),

		WSDevInsecure:        EnvBool("TASKCHAT_WS_DEV_INSECURE", false),
		WSOriginRequired:     EnvBool("TASKCHAT_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:     EnvCSV("TASKCHAT_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSTrustHelloIdentity: EnvBool("TASKCHAT_WS_TRUST_HELLO_IDENTITY", false),
		WSSendQueueSize:      EnvInt("TASKCHAT_WS_SEND_QUEUE", 256),
		WSPingInterval:       EnvDuration("TASKCHAT_WS_PING_INTERVAL", 25*time.Second),

		FeedQueueSize: EnvInt("TASKCHAT_FEED_QUEUE", 64),

		PresenceInterval:   EnvDuration("TASKCHAT_PRESENCE_INTERVAL", 25*time.Second),
		PresenceStaleAfter: EnvDuration("TASKCHAT_PRESENCE_STALE_AFTER", 75*time.Second),

		ProfileCacheTTL: EnvDuration("TASKCHAT_PROFILE_CACHE_TTL", time.Minute),

		NotifyEndpoint:         EnvString("TASKCHAT_NOTIFY_ENDPOINT", ""),
		NotifySigningKey:       EnvString("TASKCHAT_NOTIFY_SIGNING_KEY", ""),
		NotifyTimeout:          EnvDuration("TASKCHAT_NOTIFY_TIMEOUT", 10*time.Second),
		RequireNotifySignature: EnvBool("TASKCHAT_REQUIRE_NOTIFY_SIGNATURE", false),
	}
}
