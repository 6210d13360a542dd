// Package config loads process settings from LOTLEDGER_* environment
// variables.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

// Config is the full settings tree shared by every binary.
type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Inventory    InventoryConfig
	Units        UnitsConfig
	Cron         CronConfig
}

// Load reads the environment, fills derived values and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DriverSQLite
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every setting that cannot work, not just the first.
func (c Config) Validate() error {
	var errs error
	switch strings.ToLower(c.DB.Driver) {
	case DriverPostgres, DriverSQLite:
	default:
		errs = multierr.Append(errs, fmt.Errorf("%s must be %q or %q, got %q", EnvDBDriver, DriverPostgres, DriverSQLite, c.DB.Driver))
	}
	if c.Inventory.ReservationTTL < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", EnvReservationTTL))
	}
	if c.Inventory.SweepLimit <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvReservationSweepLimit))
	}
	if c.Units.Timeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvUnitsTimeout))
	}
	if c.Cron.Interval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%s must be positive", EnvCronInterval))
	}
	if c.Units.GatewayURL != "" {
		if u, err := url.Parse(c.Units.GatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s must be an absolute url", EnvUnitsGatewayURL))
		}
	}
	return errs
}

type AppConfig struct {
	Env          string `envconfig:"LOTLEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"LOTLEDGER_APP_PORT" default:"8090"`
	LogLevel     string `envconfig:"LOTLEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"LOTLEDGER_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool  { return strings.EqualFold(a.Env, AppEnvDev) }
func (a AppConfig) IsProd() bool { return strings.EqualFold(a.Env, AppEnvProd) }

type ServiceConfig struct {
	Kind string `envconfig:"LOTLEDGER_SERVICE_KIND" default:"cron-worker"`
}

// DBConfig takes either a DSN or the discrete Host/User/Name parts, which
// are assembled into a postgres url.
type DBConfig struct {
	DSN    string `envconfig:"LOTLEDGER_DB_DSN"`
	Driver string `envconfig:"LOTLEDGER_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"LOTLEDGER_DB_HOST"`
	Port     int    `envconfig:"LOTLEDGER_DB_PORT" default:"5432"`
	User     string `envconfig:"LOTLEDGER_DB_USER"`
	Password string `envconfig:"LOTLEDGER_DB_PASSWORD"`
	Name     string `envconfig:"LOTLEDGER_DB_NAME"`
	SSLMode  string `envconfig:"LOTLEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"LOTLEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"LOTLEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"LOTLEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"LOTLEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(db.Driver, DriverSQLite)
}

func (db *DBConfig) ensureDSN() error {
	switch {
	case db.DSN != "":
		return nil
	case db.IsSQLite():
		db.DSN = defaultSQLiteDSN
		return nil
	}
	if missing := db.missingParts(); len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}
	db.DSN = db.postgresURL()
	return nil
}

func (db DBConfig) missingParts() []string {
	var missing []string
	for env, value := range map[string]string{EnvDBHost: db.Host, EnvDBUser: db.User, EnvDBName: db.Name} {
		if value == "" {
			missing = append(missing, env)
		}
	}
	sort.Strings(missing)
	return missing
}

func (db DBConfig) postgresURL() string {
	user := url.User(db.User)
	if db.Password != "" {
		user = url.UserPassword(db.User, db.Password)
	}
	u := url.URL{
		Scheme: DriverPostgres,
		User:   user,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {db.SSLMode}}.Encode()
	}
	return u.String()
}

type RedisConfig struct {
	URL          string        `envconfig:"LOTLEDGER_REDIS_URL"`
	Address      string        `envconfig:"LOTLEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"LOTLEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"LOTLEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"LOTLEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"LOTLEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"LOTLEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"LOTLEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"LOTLEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"LOTLEDGER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"LOTLEDGER_AUTO_MIGRATE" default:"false"`
}

// InventoryConfig holds ledger and reservation defaults. A zero
// ReservationTTL means reservations without an explicit expiry never expire.
// SweepLimit caps how many expired reservations one cleanup run processes.
type InventoryConfig struct {
	ReservationTTL       time.Duration `envconfig:"LOTLEDGER_RESERVATION_TTL" default:"24h"`
	SweepLimit           int           `envconfig:"LOTLEDGER_RESERVATION_SWEEP_LIMIT" default:"500"`
	AllowExpiredLotDraws bool          `envconfig:"LOTLEDGER_ALLOW_EXPIRED_LOT_DRAWS" default:"false"`
}

// UnitsConfig points at the unit-conversion gateway. An empty GatewayURL
// selects the passthrough converter.
type UnitsConfig struct {
	GatewayURL string        `envconfig:"LOTLEDGER_UNITS_GATEWAY_URL"`
	APIKey     string        `envconfig:"LOTLEDGER_UNITS_API_KEY"`
	Timeout    time.Duration `envconfig:"LOTLEDGER_UNITS_TIMEOUT" default:"2s"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"LOTLEDGER_CRON_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"LOTLEDGER_CRON_LOCK_TTL" default:"10m"`
	OpsPort  string        `envconfig:"LOTLEDGER_CRON_OPS_PORT" default:"9090"`
}
