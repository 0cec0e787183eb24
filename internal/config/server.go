// Package config provides configuration management for dbkeeper.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// EncryptionKeyHexLength is the required length of ENCRYPTION_KEY.
const EncryptionKeyHexLength = 64

// ServerConfig holds server-level configuration. Values come from an
// optional YAML file named by CONFIG_FILE, overridden by environment variables.
type ServerConfig struct {
	Environment     Environment   `yaml:"environment"`
	ListenAddr      string        `yaml:"listen_addr"`
	DatabaseURL     string        `yaml:"database_url"`
	DBMaxConns      int           `yaml:"db_max_conns"`
	EncryptionKey   string        `yaml:"encryption_key"`
	JWTSecret       string        `yaml:"jwt_secret"`
	LogLevel        string        `yaml:"log_level"`
	LocalBackupDir  string        `yaml:"local_backup_dir"`
	DumpBinDir      string        `yaml:"dump_bin_dir"`
	AgentRunTimeout time.Duration `yaml:"agent_run_timeout"`
	ChainMaxBaseAge time.Duration `yaml:"chain_max_base_age"` // 0 = unlimited
	Timezone        string        `yaml:"scheduler_timezone"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RedisURL        string        `yaml:"redis_url"`
	RateLimit       string        `yaml:"rate_limit"` // limiter format, e.g. "100-M"
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DefaultServerConfig returns the configuration used when nothing is set.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Environment:     EnvDevelopment,
		ListenAddr:      ":8080",
		DBMaxConns:      10,
		LogLevel:        "info",
		LocalBackupDir:  "/var/lib/dbkeeper/backups",
		AgentRunTimeout: 6 * time.Hour,
		Timezone:        "UTC",
		ShutdownTimeout: 30 * time.Second,
		RateLimit:       "300-M",
		MetricsEnabled:  true,
		MaxBodyBytes:    1 << 20,
	}
}

// LoadServerConfig reads server configuration from CONFIG_FILE, if set,
// and the environment.
func LoadServerConfig() (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Environment = Environment(getEnv("ENV", string(cfg.Environment)))
	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		cfg.Environment = EnvDevelopment
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = getEnvInt("DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.EncryptionKey = getEnv("ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LocalBackupDir = getEnv("LOCAL_BACKUP_DIR", cfg.LocalBackupDir)
	cfg.DumpBinDir = getEnv("DUMP_BIN_DIR", cfg.DumpBinDir)
	cfg.AgentRunTimeout = getEnvDuration("AGENT_RUN_TIMEOUT", cfg.AgentRunTimeout)
	cfg.ChainMaxBaseAge = getEnvDuration("CHAIN_MAX_BASE_AGE", cfg.ChainMaxBaseAge)
	cfg.Timezone = getEnv("SCHEDULER_TIMEZONE", cfg.Timezone)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RateLimit = getEnv("RATE_LIMIT", cfg.RateLimit)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MaxBodyBytes = int64(getEnvInt("MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))

	return cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if err := ValidateEncryptionKey(c.EncryptionKey); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.AgentRunTimeout <= 0 {
		errs = append(errs, errors.New("AGENT_RUN_TIMEOUT must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be positive"))
	}
	if c.DBMaxConns < 1 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be at least 1"))
	}
	if c.ChainMaxBaseAge < 0 {
		errs = append(errs, errors.New("CHAIN_MAX_BASE_AGE must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateEncryptionKey checks that key is exactly 64 hex characters.
func ValidateEncryptionKey(key string) error {
	if key == "" {
		return errors.New("ENCRYPTION_KEY is required")
	}
	if len(key) != EncryptionKeyHexLength {
		return fmt.Errorf("ENCRYPTION_KEY must be %d hex characters, got %d", EncryptionKeyHexLength, len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return errors.New("ENCRYPTION_KEY must be hex encoded")
	}
	return nil
}

// Location returns the scheduler time zone.
func (c ServerConfig) Location() (*time.Location, error) {
	name := c.Timezone
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

// IsProduction reports whether the server runs in production.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a duration such as "6h" or "90m". A bare integer is
// taken as seconds. Unset or invalid values return the default.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
