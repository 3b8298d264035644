package config

// EnvPrefix is passed to envconfig; every field carries an explicit
// envconfig tag so the prefix only affects unnamed fields.
const EnvPrefix = "PROPWATCH"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "PROPWATCH_APP_ENV"
	EnvPort     = "PROPWATCH_APP_PORT"
	EnvLogLevel = "PROPWATCH_LOG_LEVEL"

	EnvDBDSN  = "PROPWATCH_DB_DSN"
	EnvDBHost = "PROPWATCH_DB_HOST"
	EnvDBUser = "PROPWATCH_DB_USER"
	EnvDBName = "PROPWATCH_DB_NAME"

	EnvRedisURL = "PROPWATCH_REDIS_URL"

	EnvJWTSecret = "PROPWATCH_JWT_SECRET"
	EnvJWTIssuer = "PROPWATCH_JWT_ISSUER"

	EnvUseSQLite = "PROPWATCH_USE_SQLITE"

	EnvGCPProjectID = "PROPWATCH_GCP_PROJECT_ID"
	EnvGCSBucket    = "PROPWATCH_GCS_BUCKET_NAME"

	EnvPubSubIngestionSub = "PROPWATCH_PUBSUB_INGESTION_SUBSCRIPTION"

	EnvIngestionBatchSize    = "PROPWATCH_INGESTION_BATCH_SIZE"
	EnvIngestionFailureRatio = "PROPWATCH_INGESTION_FAILURE_RATIO"

	EnvEnrichmentConcurrency = "PROPWATCH_ENRICHMENT_CONCURRENCY"

	EnvConsentPepper = "PROPWATCH_CONSENT_PEPPER"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
