package app

import "time"

// Store backends selectable via PARLEY_STORE. "auto" picks firestore when a
// project is configured, postgres when a database URL is configured, and the
// in-memory store otherwise.
const (
	StoreAuto      = "auto"
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	StoreBackend string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	FirestoreProjectID       string
	FirestoreCredentialsFile string

	// HMAC secret for verifying sign-in tokens. Must be at least 32 bytes.
	TokenSecret string

	// S3 bucket for media uploads; empty selects the in-memory uploader.
	MediaBucket string
	MediaRegion string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless the persistent store is configured and reachable.
	ReadinessRequireStore bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: EnvString("PARLEY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreBackend: EnvString("PARLEY_STORE", StoreAuto),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),

		FirestoreProjectID:       EnvString("PARLEY_FIRESTORE_PROJECT_ID", ""),
		FirestoreCredentialsFile: EnvString("PARLEY_FIRESTORE_CREDENTIALS_FILE", ""),

		TokenSecret: EnvString("PARLEY_TOKEN_SECRET", ""),

		MediaBucket: EnvString("PARLEY_S3_BUCKET", ""),
		MediaRegion: EnvString("PARLEY_S3_REGION", "us-east-1"),

		CORSAllowedOrigins:   EnvStrings("PARLEY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireStore: EnvBool("PARLEY_READINESS_REQUIRE_STORE", false),
	}
}
