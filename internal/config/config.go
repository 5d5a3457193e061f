// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LedgerBackendDatabase = "database"
	LedgerBackendRedis    = "redis"

	defaultHoldMinutes   = 5
	defaultSweepSchedule = "*/10 * * * *"

	defaultReservePerMinuteIP    = 60
	defaultReservePerMinuteOwner = 20
)

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Filename string `yaml:"filename"`
	URL      string `yaml:"url,omitempty"` // Overridden by DATABASE_URL
}

type LedgerConfig struct {
	Backend string `yaml:"backend"`
	// How long a reserved slot stays held before it is released automatically.
	HoldMinutes    int    `yaml:"hold_minutes"`
	RedisAddr      string `yaml:"redis_addr,omitempty"`
	RedisDB        int    `yaml:"redis_db,omitempty"`
	RedisPassword  string `yaml:"-"` // Loaded from environment
	SweepSchedule  string `yaml:"sweep_schedule"`
	EnableSweepJob bool   `yaml:"enable_sweep_job"`
}

// RateLimitConfig throttles POST /api/v1/slots/reserve. Negative values disable a key.
type RateLimitConfig struct {
	ReservePerMinuteIP    int  `yaml:"reserve_per_minute_ip"`
	ReservePerMinuteOwner int  `yaml:"reserve_per_minute_owner"`
	TrustProxy            bool `yaml:"trust_proxy"`
}

type Config struct {
	App struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
		Port        int    `yaml:"port"`
		BaseURL     string `yaml:"base_url"`
	} `yaml:"app"`

	Database DatabaseConfig `yaml:"database"`

	Ledger LedgerConfig `yaml:"ledger"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Features struct {
		EnableDebug bool `yaml:"enable_debug"`
	} `yaml:"features"`
}

// Load loads both .env and yaml configuration
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Load sensitive values from environment
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	cfg.Ledger.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML and fills defaults without validating.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = LedgerBackendDatabase
	}
	if c.Ledger.HoldMinutes == 0 {
		c.Ledger.HoldMinutes = defaultHoldMinutes
	}
	if c.Ledger.SweepSchedule == "" {
		c.Ledger.SweepSchedule = defaultSweepSchedule
	}
	if c.RateLimit.ReservePerMinuteIP == 0 {
		c.RateLimit.ReservePerMinuteIP = defaultReservePerMinuteIP
	}
	if c.RateLimit.ReservePerMinuteOwner == 0 {
		c.RateLimit.ReservePerMinuteOwner = defaultReservePerMinuteOwner
	}
}

func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.App.Port == 0 {
		return fmt.Errorf("app port is required")
	}
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver is required")
	}

	// Validate based on database driver
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Filename == "" {
			return fmt.Errorf("database filename is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Ledger.HoldMinutes < 0 {
		return fmt.Errorf("ledger hold_minutes must be positive")
	}
	switch c.Ledger.Backend {
	case LedgerBackendDatabase:
	case LedgerBackendRedis:
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("ledger redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported ledger backend: %s", c.Ledger.Backend)
	}
	if _, err := cron.ParseStandard(c.Ledger.SweepSchedule); err != nil {
		return fmt.Errorf("invalid ledger sweep_schedule: %w", err)
	}

	return nil
}
