package config

// EnvPrefix is passed to envconfig; every field carries a fully qualified
// envconfig tag so the prefix only matters for untagged fields.
const EnvPrefix = "LOTLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	EnvAppEnv    = "LOTLEDGER_APP_ENV"
	EnvPort      = "LOTLEDGER_APP_PORT"
	EnvLogLevel  = "LOTLEDGER_LOG_LEVEL"
	EnvDBDSN     = "LOTLEDGER_DB_DSN"
	EnvDBDriver  = "LOTLEDGER_DB_DRIVER"
	EnvDBHost    = "LOTLEDGER_DB_HOST"
	EnvDBUser    = "LOTLEDGER_DB_USER"
	EnvDBName    = "LOTLEDGER_DB_NAME"
	EnvRedisURL  = "LOTLEDGER_REDIS_URL"
	EnvUseSQLite = "LOTLEDGER_USE_SQLITE"

	EnvReservationTTL        = "LOTLEDGER_RESERVATION_TTL"
	EnvReservationSweepLimit = "LOTLEDGER_RESERVATION_SWEEP_LIMIT"
	EnvUnitsGatewayURL       = "LOTLEDGER_UNITS_GATEWAY_URL"
	EnvUnitsTimeout          = "LOTLEDGER_UNITS_TIMEOUT"
	EnvCronInterval          = "LOTLEDGER_CRON_INTERVAL"
)

const defaultSQLiteDSN = "file:lotledger.db?cache=shared&_foreign_keys=on"
