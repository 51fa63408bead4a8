package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDBPath         = "./data"
	defaultListenAddr     = ":8080"
	defaultCommandTimeout = 10 * time.Minute
)

// Config holds infrastructure settings. Secrets only come from here.
type Config struct {
	DBPath          string
	VCenterURL      string
	VCenterUsername string
	VCenterPassword string
	VCenterInsecure bool
	ListenAddr      string
	CommandTimeout  time.Duration
}

// Load loads configuration from environment variables only.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from an optional .env file and environment variables.
func LoadWithFile(envFile string) (*Config, error) {
	cfg, err := load(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOffline is LoadWithFile without the vCenter requirements, for commands
// that only read the store.
func LoadOffline(envFile string) (*Config, error) {
	cfg, err := load(envFile)
	if err != nil {
		return nil, err
	}
	if cfg.CommandTimeout <= 0 {
		return nil, fmt.Errorf("COMMAND_TIMEOUT must be positive")
	}
	return cfg, nil
}

func load(envFile string) (*Config, error) {
	// Attempt to load .env file if provided, but don't fail if it doesn't exist.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	timeout, err := parseDuration(os.Getenv("COMMAND_TIMEOUT"), defaultCommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("COMMAND_TIMEOUT: %w", err)
	}

	cfg := &Config{
		DBPath:          envOrDefault("DB_PATH", defaultDBPath),
		VCenterURL:      os.Getenv("VCENTER_URL"),
		VCenterUsername: os.Getenv("VCENTER_USERNAME"),
		VCenterPassword: os.Getenv("VCENTER_PASSWORD"),
		VCenterInsecure: parseInsecure(os.Getenv("VCENTER_INSECURE")),
		ListenAddr:      envOrDefault("LISTEN_ADDR", defaultListenAddr),
		CommandTimeout:  timeout,
	}
	return cfg, nil
}

// Validate checks if all required fields are set.
func (c *Config) Validate() error {
	if c.VCenterURL == "" {
		return fmt.Errorf("VCENTER_URL is required")
	}
	if c.VCenterUsername == "" {
		return fmt.Errorf("VCENTER_USERNAME is required")
	}
	if c.VCenterPassword == "" {
		return fmt.Errorf("VCENTER_PASSWORD is required")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be positive")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseInsecure converts a string to a boolean, defaulting to false.
func parseInsecure(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
