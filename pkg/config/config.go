package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	GCS          GCSConfig
	Storage      StorageConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Ingestion    IngestionConfig
	Enrichment   EnrichmentConfig
	SkipTrace    SkipTraceConfig
	Consent      ConsentConfig
	Cron         CronConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Ingestion.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PROPWATCH_APP_ENV" required:"true"`
	Port         string `envconfig:"PROPWATCH_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PROPWATCH_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"PROPWATCH_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"PROPWATCH_LOG_WARN_STACK" default:"false"`

	// CORSOrigins lists dashboard origins allowed to call the API.
	CORSOrigins []string `envconfig:"PROPWATCH_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PROPWATCH_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"PROPWATCH_DB_DSN"`
	Driver string `envconfig:"PROPWATCH_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PROPWATCH_DB_HOST"`
	LegacyPort     int    `envconfig:"PROPWATCH_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PROPWATCH_DB_USER"`
	LegacyPassword string `envconfig:"PROPWATCH_DB_PASSWORD"`
	LegacyName     string `envconfig:"PROPWATCH_DB_NAME"`
	LegacySSLMode  string `envconfig:"PROPWATCH_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PROPWATCH_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PROPWATCH_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PROPWATCH_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PROPWATCH_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	// SlowQueryThreshold logs queries at warn once they take this long; 0 disables.
	SlowQueryThreshold time.Duration `envconfig:"PROPWATCH_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PROPWATCH_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PROPWATCH_REDIS_ADDR"`
	Password     string        `envconfig:"PROPWATCH_REDIS_PASSWORD"`
	DB           int           `envconfig:"PROPWATCH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PROPWATCH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PROPWATCH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PROPWATCH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PROPWATCH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PROPWATCH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig carries the verification side only; tokens are minted by the
// identity provider.
type JWTConfig struct {
	Secret string `envconfig:"PROPWATCH_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"PROPWATCH_JWT_ISSUER" required:"true"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"PROPWATCH_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"PROPWATCH_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"PROPWATCH_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PROPWATCH_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"PROPWATCH_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PROPWATCH_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName string `envconfig:"PROPWATCH_GCS_BUCKET_NAME"`
}

// StorageConfig selects where uploaded spreadsheets and per-location
// splits are persisted. "gcs" requires GCS.BucketName.
type StorageConfig struct {
	Backend  string `envconfig:"PROPWATCH_STORAGE_BACKEND" default:"gcs"`
	LocalDir string `envconfig:"PROPWATCH_STORAGE_LOCAL_DIR" default:"./.data/uploads"`
}

type PubSubConfig struct {
	IngestionTopic        string `envconfig:"PROPWATCH_PUBSUB_INGESTION_TOPIC" default:"pw-ingestion-jobs"`
	IngestionSubscription string `envconfig:"PROPWATCH_PUBSUB_INGESTION_SUBSCRIPTION" required:"true"`
	NotificationTopic     string `envconfig:"PROPWATCH_PUBSUB_NOTIFICATION_TOPIC" default:"pw-notification-events"`
}

type OutboxConfig struct {
	BatchSize        int `envconfig:"PROPWATCH_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS   int `envconfig:"PROPWATCH_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts      int `envconfig:"PROPWATCH_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays    int `envconfig:"PROPWATCH_OUTBOX_RETENTION_DAYS" default:"14"`
	DLQRetentionDays int `envconfig:"PROPWATCH_OUTBOX_DLQ_RETENTION_DAYS" default:"90"`
}

type IngestionConfig struct {
	BatchSize             int           `envconfig:"PROPWATCH_INGESTION_BATCH_SIZE" default:"500"`
	FailureRatioThreshold float64       `envconfig:"PROPWATCH_INGESTION_FAILURE_RATIO" default:"0.5"`
	MinSampleRows         int           `envconfig:"PROPWATCH_INGESTION_MIN_SAMPLE_ROWS" default:"20"`
	MaxWarnings           int           `envconfig:"PROPWATCH_INGESTION_MAX_WARNINGS" default:"200"`
	OrchestratorWidth     int           `envconfig:"PROPWATCH_INGESTION_ORCHESTRATOR_WIDTH" default:"10"`
	InterBatchDelay       time.Duration `envconfig:"PROPWATCH_INGESTION_INTER_BATCH_DELAY" default:"250ms"`
	NoInterBatchDelay     bool          `envconfig:"PROPWATCH_INGESTION_NO_INTER_BATCH_DELAY" default:"false"`
	MaxUploadMB           int           `envconfig:"PROPWATCH_INGESTION_MAX_UPLOAD_MB" default:"50"`
	ProgressPollInterval  time.Duration `envconfig:"PROPWATCH_INGESTION_PROGRESS_POLL_INTERVAL" default:"3s"`
	StaleAfter            time.Duration `envconfig:"PROPWATCH_INGESTION_STALE_AFTER" default:"15m"`
	QueuedStaleAfter      time.Duration `envconfig:"PROPWATCH_INGESTION_QUEUED_STALE_AFTER" default:"1h"`
}

func (c IngestionConfig) validate() error {
	if c.FailureRatioThreshold <= 0 || c.FailureRatioThreshold > 1 {
		return fmt.Errorf("%s must be in (0, 1]", EnvIngestionFailureRatio)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%s must be positive", EnvIngestionBatchSize)
	}
	return nil
}

type EnrichmentConfig struct {
	Concurrency         int           `envconfig:"PROPWATCH_ENRICHMENT_CONCURRENCY" default:"20"`
	MaxActiveRuns       int           `envconfig:"PROPWATCH_ENRICHMENT_MAX_ACTIVE_RUNS" default:"3"`
	MaxPropertiesPerRun int           `envconfig:"PROPWATCH_ENRICHMENT_MAX_PROPERTIES" default:"5000"`
	CallTimeout         time.Duration `envconfig:"PROPWATCH_ENRICHMENT_CALL_TIMEOUT" default:"25s"`
	MaxAttempts         int           `envconfig:"PROPWATCH_ENRICHMENT_MAX_ATTEMPTS" default:"3"`
	RetryBackoff        time.Duration `envconfig:"PROPWATCH_ENRICHMENT_RETRY_BACKOFF" default:"2s"`
	StaleRunAfter       time.Duration `envconfig:"PROPWATCH_ENRICHMENT_STALE_RUN_AFTER" default:"30m"`
}

type SkipTraceConfig struct {
	BaseURL        string  `envconfig:"PROPWATCH_SKIPTRACE_BASE_URL" default:"https://api.skiptrace.example.com"`
	APIKey         string  `envconfig:"PROPWATCH_SKIPTRACE_API_KEY"`
	RequestsPerSec float64 `envconfig:"PROPWATCH_SKIPTRACE_RPS" default:"10"`
	Burst          int     `envconfig:"PROPWATCH_SKIPTRACE_BURST" default:"20"`
}

type ConsentConfig struct {
	Pepper string `envconfig:"PROPWATCH_CONSENT_PEPPER" required:"true"`
}

// RateLimitConfig bounds expensive surfaces per user. A zero limit disables the policy.
type RateLimitConfig struct {
	UploadWindow     time.Duration `envconfig:"PROPWATCH_RATE_LIMIT_UPLOAD_WINDOW" default:"1m"`
	UploadLimit      int           `envconfig:"PROPWATCH_RATE_LIMIT_UPLOAD_LIMIT" default:"10"`
	EnrichmentWindow time.Duration `envconfig:"PROPWATCH_RATE_LIMIT_ENRICHMENT_WINDOW" default:"1m"`
	EnrichmentLimit  int           `envconfig:"PROPWATCH_RATE_LIMIT_ENRICHMENT_LIMIT" default:"5"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"PROPWATCH_CRON_INTERVAL" default:"5m"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = "file:propwatch.db?cache=shared&_busy_timeout=5000"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
