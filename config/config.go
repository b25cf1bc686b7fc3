// Package config assembles the runtime configuration from an optional YAML
// file, a .env file, and the process environment, in increasing order of
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Redis locates the optional behaviour object store.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the resolved runtime configuration.
type Config struct {
	ProjectName      string `yaml:"project_name"`
	ProjectAccessKey string `yaml:"project_access_key"`

	// Behaviour names the graph to load, without the .json extension. Empty
	// falls back to the project name.
	Behaviour string `yaml:"behaviour"`
	// Workspace is the directory searched for graph and knowledge files.
	Workspace string `yaml:"workspace"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// DevMode exposes the code-update and stream-inspection endpoints.
	DevMode  bool `yaml:"dev_mode"`
	SkipAuth bool `yaml:"skip_auth"`

	AutoPurgeIdleUsers      bool   `yaml:"auto_purge_idle_users"`
	BackendOperationEnabled bool   `yaml:"backend_operation_enabled"`
	SystemAdminKey          string `yaml:"system_admin_key"`

	// RemoteWebhookURL overrides the callback URL advertised to scripts.
	RemoteWebhookURL string `yaml:"remote_webhook_url"`

	Redis Redis `yaml:"redis"`
}

// Default returns the baseline configuration before any source is applied.
func Default() *Config {
	return &Config{
		Host:     "localhost",
		Port:     8081,
		LogLevel: "info",
	}
}

// Load resolves the configuration. yamlPath may be empty; a missing .env file
// is not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %s: %w", yamlPath, err)
		}
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	if cfg.ProjectName == "" {
		return nil, fmt.Errorf("config: missing PROJECT_NAME")
	}
	if cfg.ProjectAccessKey == "" && !cfg.SkipAuth {
		return nil, fmt.Errorf("config: missing PROJECT_ACCESS_KEY")
	}
	if cfg.Behaviour == "" {
		cfg.Behaviour = cfg.ProjectName
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ProjectName, "PROJECT_NAME")
	setString(&c.ProjectAccessKey, "PROJECT_ACCESS_KEY")
	setString(&c.Behaviour, "BEHAVIOUR")
	setString(&c.Workspace, "WORKSPACE")
	setString(&c.Host, "HOST")
	setInt(&c.Port, "PORT")
	setString(&c.LogLevel, "LOGLEVEL")
	setBool(&c.DevMode, "DEV_MODE")
	setBool(&c.AutoPurgeIdleUsers, "AutoPurgeIdleUsers")
	setBool(&c.BackendOperationEnabled, "BackendOperationEnabled")
	setString(&c.SystemAdminKey, "SystemAdminKey")
	setString(&c.RemoteWebhookURL, "RemoteWebhookURL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
}

// Overlay returns the knowledge entries every session starts with.
func (c *Config) Overlay() map[string]any {
	return map[string]any{
		"PROJECT_NAME":       c.ProjectName,
		"PROJECT_ACCESS_KEY": c.ProjectAccessKey,
	}
}

// ListenAddr formats the host and port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v == "1" || v == "true" || v == "True"
	}
}
