package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskpilot.yml. Zero values are filled from Default.
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Auth      Auth      `yaml:"auth"`
	Redis     Redis     `yaml:"redis"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Addr         string `yaml:"addr"`
	BasePath     string `yaml:"base_path"`
	EnableInitDB bool   `yaml:"enable_init_db"`
	// TrustProxy reads client addresses from forwarding headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

type Database struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Workspace       string        `yaml:"workspace"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectDelay    time.Duration `yaml:"connect_delay"`
}

type Auth struct {
	JWTSecret  string `yaml:"jwt_secret"`
	BcryptCost int    `yaml:"bcrypt_cost"`
}

// Redis is optional. An empty Addr keeps task locks in process. LockTTL is
// how long a crashed holder can block a task's chat; live holders renew the
// lock every LockTTL/3.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// RateLimit bounds register and login calls per client address.
type RateLimit struct {
	AuthPerMinute int `yaml:"auth_per_minute"`
	Burst         int `yaml:"burst"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:     "127.0.0.1:8000",
			BasePath: "/api",
		},
		Database: Database{
			Driver:          "sqlite",
			Workspace:       ".",
			ConnectAttempts: 5,
			ConnectDelay:    2 * time.Second,
		},
		Auth: Auth{
			BcryptCost: 12,
		},
		Redis: Redis{
			LockTTL: 10 * time.Second,
		},
		RateLimit: RateLimit{
			AuthPerMinute: 30,
			Burst:         10,
		},
		Log: Log{Level: "info"},
	}
}

// Validate checks the fields the server cannot start without.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.ConnectAttempts < 1 {
		return fmt.Errorf("config.database.connect_attempts must be at least 1")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("config.auth.bcrypt_cost must be between 4 and 31")
	}
	if c.RateLimit.AuthPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config.rate_limit values must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// RequireSecret fails when no signing secret is configured. Only commands that
// issue or verify tokens need one.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config.auth.jwt_secret is required (or TASKPILOT_JWT_SECRET)")
	}
	return nil
}

// FromYAML parses YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
