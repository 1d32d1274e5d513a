package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Ledger backends
const (
	LedgerMemory   = "memory"
	LedgerLevelDB  = "leveldb"
	LedgerPostgres = "postgres"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Escrow     EscrowConfig     `mapstructure:"escrow"`
	Access     AccessConfig     `mapstructure:"access"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	LogLevel   string           `mapstructure:"log_level"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`

	// RateLimit caps requests per caller per RateLimitPeriod; zero disables it
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitPeriod time.Duration `mapstructure:"rate_limit_period"`
}

// DatabaseConfig holds PostgreSQL configuration for the postgres ledger backend
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// JWTConfig holds caller authentication configuration
type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// LedgerConfig selects and tunes the ledger backend
type LedgerConfig struct {
	Backend            string `mapstructure:"backend"`
	LevelDBPath        string `mapstructure:"leveldb_path"`
	SyncWrites         bool   `mapstructure:"sync_writes"`
	MaxConflictRetries int    `mapstructure:"max_conflict_retries"`
}

// EscrowConfig holds consultation escrow policy
type EscrowConfig struct {
	PlatformFeePercent int           `mapstructure:"platform_fee_percent"`
	PlatformAccount    string        `mapstructure:"platform_account"`
	Arbiter            string        `mapstructure:"arbiter"`
	DisputeWindow      time.Duration `mapstructure:"dispute_window"`
	StartGrace         time.Duration `mapstructure:"start_grace"`
	NoShowGrace        time.Duration `mapstructure:"no_show_grace"`
}

// FeePercent returns the platform fee as a percentage. Only meaningful after Validate.
func (e EscrowConfig) FeePercent() uint8 {
	return uint8(e.PlatformFeePercent)
}

// AccessConfig holds medical record access policy
type AccessConfig struct {
	EmergencyTTL         time.Duration `mapstructure:"emergency_ttl"`
	MaxEmergencyContacts int           `mapstructure:"max_emergency_contacts"`
	DefaultHistoryLimit  int           `mapstructure:"default_history_limit"`
}

// RegistryConfig holds doctor/patient registry policy
type RegistryConfig struct {
	Verifier string `mapstructure:"verifier"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Load loads configuration from environment variables and config files.
// An empty configFile searches the default locations.
func Load(configFile string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medrex")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadDotEnv exports the variables of TELEHEALTH_ENV_FILE (default .env) that
// are not already set in the process environment. A missing file is ignored.
func loadDotEnv() error {
	path := os.Getenv("TELEHEALTH_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.rate_limit_period", "1m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "telehealth")
	v.SetDefault("database.user", "medrex")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	// keys without defaults are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("database.password", "")
	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.issuer", "medrex-telehealth")
	v.SetDefault("jwt.audience", "medrex-users")

	v.SetDefault("ledger.backend", LedgerMemory)
	v.SetDefault("ledger.leveldb_path", "./data/ledger")
	v.SetDefault("ledger.sync_writes", true)
	v.SetDefault("ledger.max_conflict_retries", 16)

	v.SetDefault("escrow.platform_fee_percent", 3)
	v.SetDefault("escrow.platform_account", "platform")
	v.SetDefault("escrow.arbiter", "arbiter")
	v.SetDefault("escrow.dispute_window", "24h")
	v.SetDefault("escrow.start_grace", "15m")
	v.SetDefault("escrow.no_show_grace", "30m")

	v.SetDefault("access.emergency_ttl", "24h")
	v.SetDefault("access.max_emergency_contacts", 3)
	v.SetDefault("access.default_history_limit", 100)

	v.SetDefault("registry.verifier", "verifier")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "telehealth-service")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("log_level", "info")
}

// overrideWithEnv applies the unprefixed environment variables used by container platforms
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitPeriod <= 0 {
		return fmt.Errorf("server.rate_limit_period must be positive when rate limiting is enabled")
	}

	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerLevelDB:
		if c.Ledger.LevelDBPath == "" {
			return fmt.Errorf("ledger.leveldb_path is required for the leveldb backend")
		}
	case LedgerPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("database password is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger backend: %q", c.Ledger.Backend)
	}

	if c.Escrow.PlatformFeePercent < 0 || c.Escrow.PlatformFeePercent > 100 {
		return fmt.Errorf("platform fee percent must be within [0,100], got %d", c.Escrow.PlatformFeePercent)
	}
	if c.Escrow.DisputeWindow <= 0 {
		return fmt.Errorf("escrow dispute window must be positive")
	}
	if c.Escrow.StartGrace < 0 || c.Escrow.NoShowGrace < 0 {
		return fmt.Errorf("escrow grace periods must not be negative")
	}
	if c.Escrow.Arbiter == "" || c.Escrow.PlatformAccount == "" {
		return fmt.Errorf("escrow arbiter and platform account are required")
	}
	if c.Escrow.Arbiter == c.Escrow.PlatformAccount {
		return fmt.Errorf("escrow arbiter must differ from the platform account")
	}

	if c.Access.EmergencyTTL <= 0 {
		return fmt.Errorf("access emergency ttl must be positive")
	}
	if c.Access.MaxEmergencyContacts <= 0 {
		return fmt.Errorf("access max emergency contacts must be positive")
	}

	if c.Registry.Verifier == "" {
		return fmt.Errorf("registry verifier is required")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be within [0,1]")
	}

	return nil
}
