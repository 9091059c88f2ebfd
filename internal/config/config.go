// Package config loads process configuration from flags, environment, an optional
// config file and .env files, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/iamasit07/cafe-kiosk/backend/internal/domain"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	DefaultJWTSecret = "your-secret-key-change-this-in-production"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

type Config struct {
	Port       string
	LogLevel   string
	DevLogging bool

	StoreDriver          string
	DatabaseURL          string
	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetimeMin int

	RedisEnabled  bool
	RedisURL      string
	RedisPassword string

	JWTSecret    string
	KioskKey     string
	KioskKeyHash string

	FrontendURL    string
	AllowedOrigins []string

	HourlyRate decimal.Decimal
	Rounding   domain.RoundingPolicy

	SweepInterval      time.Duration
	ConnectionLiveness time.Duration
	CommandAckTTL      time.Duration
	RequestTimeout     time.Duration

	MetricsNamespace string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEV_LOGGING", false)

	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("DB_CONN_MAX_LIFETIME_MINUTES", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_URL", "localhost:6379")

	v.SetDefault("JWT_SECRET", DefaultJWTSecret)
	v.SetDefault("FRONTEND_URL", "http://localhost:5173")

	v.SetDefault("BILLING_HOURLY_RATE", "20.00")
	v.SetDefault("BILLING_ROUNDING", string(domain.RoundUpToHour))

	v.SetDefault("SWEEP_INTERVAL_SECONDS", 30)
	v.SetDefault("CONNECTION_LIVENESS_SECONDS", 120)
	v.SetDefault("COMMAND_ACK_TTL_SECONDS", 30)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 10)

	v.SetDefault("METRICS_NAMESPACE", "kiosk")
}

var envKeys = []string{
	"PORT", "LOG_LEVEL", "DEV_LOGGING",
	"STORE_DRIVER", "DATABASE_URL", "DATABASE_URI", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME_MINUTES",
	"REDIS_ENABLED", "REDIS_URL", "REDIS_PASSWORD",
	"JWT_SECRET", "KIOSK_KEY", "KIOSK_KEY_HASH",
	"FRONTEND_URL", "ALLOWED_ORIGINS",
	"BILLING_HOURLY_RATE", "BILLING_ROUNDING",
	"SWEEP_INTERVAL_SECONDS", "CONNECTION_LIVENESS_SECONDS", "COMMAND_ACK_TTL_SECONDS", "REQUEST_TIMEOUT_SECONDS",
	"METRICS_NAMESPACE",
}

// Load reads configuration. args are the command line arguments without the program name.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// optional; fall back to the parent directory like a monorepo checkout
		_ = godotenv.Load("../.env")
	}

	fs := pflag.NewFlagSet("kiosk-coordinator", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("port", "8080", "HTTP listen port")
	fs.String("store", StoreDriverPostgres, "session store driver: postgres or memory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	_ = v.BindPFlag("PORT", fs.Lookup("port"))
	_ = v.BindPFlag("STORE_DRIVER", fs.Lookup("store"))

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file, %w", err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(v.GetString("BILLING_HOURLY_RATE")))
	if err != nil {
		return nil, fmt.Errorf("invalid BILLING_HOURLY_RATE: %w", err)
	}
	rounding, err := domain.ParseRoundingPolicy(v.GetString("BILLING_ROUNDING"))
	if err != nil {
		return nil, fmt.Errorf("invalid BILLING_ROUNDING: %w", err)
	}

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		dbURL = v.GetString("DATABASE_URI")
	}

	frontendURL := strings.TrimSpace(v.GetString("FRONTEND_URL"))

	return &Config{
		Port:       v.GetString("PORT"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),
		DevLogging: v.GetBool("DEV_LOGGING"),

		StoreDriver:          strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL:          withSimpleProtocol(dbURL),
		DBMaxOpenConns:       v.GetInt("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:       v.GetInt("DB_MAX_IDLE_CONNS"),
		DBConnMaxLifetimeMin: v.GetInt("DB_CONN_MAX_LIFETIME_MINUTES"),

		RedisEnabled:  v.GetBool("REDIS_ENABLED"),
		RedisURL:      v.GetString("REDIS_URL"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		JWTSecret:    v.GetString("JWT_SECRET"),
		KioskKey:     v.GetString("KIOSK_KEY"),
		KioskKeyHash: v.GetString("KIOSK_KEY_HASH"),

		FrontendURL:    frontendURL,
		AllowedOrigins: allowedOrigins(frontendURL, v.GetString("ALLOWED_ORIGINS")),

		HourlyRate: rate,
		Rounding:   rounding,

		SweepInterval:      seconds(v, "SWEEP_INTERVAL_SECONDS"),
		ConnectionLiveness: seconds(v, "CONNECTION_LIVENESS_SECONDS"),
		CommandAckTTL:      seconds(v, "COMMAND_ACK_TTL_SECONDS"),
		RequestTimeout:     seconds(v, "REQUEST_TIMEOUT_SECONDS"),

		MetricsNamespace: v.GetString("METRICS_NAMESPACE"),
	}, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel))
	}
	switch c.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.HourlyRate.IsNegative() {
		errs = append(errs, errors.New("BILLING_HOURLY_RATE must not be negative"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.KioskKey == "" && c.KioskKeyHash == "" {
		errs = append(errs, errors.New("KIOSK_KEY or KIOSK_KEY_HASH is required"))
	}
	for _, o := range c.AllowedOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Errorf("allowed origin %q must start with http:// or https://", o))
		}
	}
	for name, d := range map[string]time.Duration{
		"SWEEP_INTERVAL_SECONDS":      c.SweepInterval,
		"CONNECTION_LIVENESS_SECONDS": c.ConnectionLiveness,
		"COMMAND_ACK_TTL_SECONDS":     c.CommandAckTTL,
		"REQUEST_TIMEOUT_SECONDS":     c.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

// withSimpleProtocol appends simple_protocol for PgBouncer compatibility (pgx driver).
func withSimpleProtocol(dbURL string) string {
	if dbURL == "" {
		return ""
	}
	u, err := url.Parse(dbURL)
	if err != nil || u.Scheme == "" {
		return dbURL
	}
	q := u.Query()
	if q.Get("default_query_exec_mode") == "" {
		q.Set("default_query_exec_mode", "simple_protocol")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// allowedOrigins builds the CORS list: frontend URL, local dev and the CSV extras.
func allowedOrigins(frontendURL, csv string) []string {
	origins := []string{}
	add := func(o string) {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" && !slices.Contains(origins, o) {
			origins = append(origins, o)
		}
	}
	add(frontendURL)
	add("http://localhost:5173")
	for _, o := range strings.Split(csv, ",") {
		add(o)
	}
	return origins
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}
