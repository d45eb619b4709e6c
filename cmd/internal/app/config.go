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
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// DBConnectTimeout bounds how long start-up waits for the database to accept connections.
	DBConnectTimeout time.Duration

	// AutoMigrate applies the embedded schema on start when a database is configured.
	AutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// RedisURL selects the Redis login throttle; empty keeps failures in process memory.
	RedisURL string

	// OwnerEmail is promoted to owner/admin as soon as its profile is created.
	OwnerEmail string

	MetricsEnabled bool

	// Security policy:
	// If true, a configured database also requires a persistent PASETO signing key.
	RequirePersistentKey bool
}

// LoadConfig loads Config from FLEXER_* environment variables with defaults.
func LoadConfig() Config {
	env := newSettings()
	return Config{
		HTTPAddr:  env.str("http_addr", "0.0.0.0:8080"),
		LogLevel:  env.str("log_level", "info"),
		LogFormat: env.str("log_format", "json"),

		ReadHeaderTimeout: env.timeout("http_read_header_timeout", 5*time.Second),
		ReadTimeout:       env.timeout("http_read_timeout", 15*time.Second),
		WriteTimeout:      env.timeout("http_write_timeout", 15*time.Second),
		IdleTimeout:       env.timeout("http_idle_timeout", 60*time.Second),

		MaxHeaderBytes: env.size("http_max_header_bytes", 1<<20),
		MaxBodyBytes:   int64(env.size("http_max_body_bytes", 256<<10)),

		DatabaseURL: env.str("database_url", ""),
		DBSchema:    env.str("db_schema", "flexer"),
		DBMaxConns:  env.conns("db_max_conns", 10),
		DBMinConns:  env.conns("db_min_conns", 0),
		AutoMigrate: env.flag("db_auto_migrate", true),

		DBConnectTimeout: env.timeout("db_connect_timeout", defaultDBConnectTimeout),

		ReadinessRequireDB: env.flag("readiness_require_db", false),

		RedisURL:   env.str("redis_url", ""),
		OwnerEmail: env.str("owner_email", ""),

		MetricsEnabled: env.flag("metrics_enabled", true),

		RequirePersistentKey: env.flag("require_persistent_key", true),
	}
}
