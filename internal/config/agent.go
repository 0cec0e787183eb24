package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.dbkeeper).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".dbkeeper"), nil
}

// DefaultConfigPath returns the default config file path (~/.dbkeeper/agent.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.yml"), nil
}

// AgentDatabase is a database the agent can reach, with the password the
// server never holds for agent-executed jobs.
type AgentDatabase struct {
	ID           string `yaml:"id,omitempty"`
	Engine       string `yaml:"engine"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port,omitempty"`
	DatabaseName string `yaml:"database_name"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password,omitempty"`
}

// ProxyConfig routes agent traffic to the server through a proxy.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"` // comma separated hosts and .domain suffixes
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
}

// HasProxy reports whether any proxy is set.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// AgentConfig holds the agent's configuration.
type AgentConfig struct {
	ServerURL         string                    `yaml:"server_url,omitempty"`
	Token             string                    `yaml:"token,omitempty"`
	AgentID           string                    `yaml:"agent_id,omitempty"`
	Hostname          string                    `yaml:"hostname,omitempty"`
	HeartbeatInterval time.Duration             `yaml:"heartbeat_interval,omitempty"`
	WorkDir           string                    `yaml:"work_dir,omitempty"`
	DumpBinDir        string                    `yaml:"dump_bin_dir,omitempty"`
	LogLevel          string                    `yaml:"log_level,omitempty"`
	Proxy             *ProxyConfig              `yaml:"proxy,omitempty"`
	Databases         []AgentDatabase           `yaml:"databases,omitempty"`
	Storage           map[string]map[string]any `yaml:"storage,omitempty"` // storage type -> backend settings
}

// Validate checks that the configuration has required fields for operation.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") &&
		!strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return errors.New("server_url must be an http(s) or ws(s) URL")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.AgentID == "" {
		return errors.New("agent_id is required")
	}
	for i, db := range c.Databases {
		if db.Engine == "" || db.Host == "" || db.DatabaseName == "" {
			return fmt.Errorf("databases[%d]: engine, host and database_name are required", i)
		}
	}
	return nil
}

// IsConfigured returns true if the agent has been registered with a server.
func (c *AgentConfig) IsConfigured() bool {
	return c.ServerURL != "" && c.Token != "" && c.AgentID != ""
}

// Heartbeat returns the heartbeat interval, defaulting to 30 seconds.
func (c *AgentConfig) Heartbeat() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 30 * time.Second
	}
	return c.HeartbeatInterval
}

// FindDatabase returns the local entry for a dispatched database: by id
// first, then by host and database name.
func (c *AgentConfig) FindDatabase(id, host, databaseName string) (*AgentDatabase, bool) {
	for i := range c.Databases {
		if id != "" && c.Databases[i].ID == id {
			return &c.Databases[i], true
		}
	}
	for i := range c.Databases {
		db := &c.Databases[i]
		if strings.EqualFold(db.Host, host) && db.DatabaseName == databaseName {
			return db, true
		}
	}
	return nil, false
}

// StorageJSON returns the backend settings for a storage type as JSON.
func (c *AgentConfig) StorageJSON(storageType string) ([]byte, bool, error) {
	settings, ok := c.Storage[storageType]
	if !ok {
		return nil, false, nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, true, fmt.Errorf("encode %s storage settings: %w", storageType, err)
	}
	return data, true, nil
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AgentConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*AgentConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AgentConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// Holds database passwords and storage credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *AgentConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
