package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level spigot configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Lockout   LockoutConfig   `yaml:"lockout"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	MCP       MCPConfig       `yaml:"mcp"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
	EnableUI        bool       `yaml:"enable_ui"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// StoreConfig selects the relational database holding admins, sessions and
// lockouts. An empty DSN with the sqlite driver uses <data_dir>/spigot.db.
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	QueryTimeout string `yaml:"query_timeout"`
}

// AuthConfig controls token issuance.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	Issuer     string `yaml:"issuer"`
	AccessTTL  string `yaml:"access_ttl"`
	RefreshTTL string `yaml:"refresh_ttl"`
	ClockSkew  string `yaml:"clock_skew"`
	BcryptCost int    `yaml:"bcrypt_cost"`
}

// LockoutConfig controls brute-force protection.
type LockoutConfig struct {
	Threshold int    `yaml:"threshold"`
	Duration  string `yaml:"duration"`
}

// CSRFConfig controls anti-forgery leases.
type CSRFConfig struct {
	TTL string `yaml:"ttl"`
}

// RateLimitConfig holds the two request policies.
type RateLimitConfig struct {
	Enabled          bool         `yaml:"enabled"`
	Auth             PolicyConfig `yaml:"auth"`
	General          PolicyConfig `yaml:"general"`
	SweepProbability float64      `yaml:"sweep_probability"`
}

// PolicyConfig is one fixed-window rate policy.
type PolicyConfig struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

// CacheConfig controls the ephemeral key-value store used for CSRF leases
// and rate-limit buckets. An empty dir keeps everything in memory.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// MCPConfig controls the MCP (Model Context Protocol) operator server.
type MCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadYAMLConfig reads and parses a YAML configuration file on top of the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS:            CORSConfig{Origins: []string{"*"}},
			EnableUI:        true,
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			QueryTimeout: "5s",
		},
		Auth: AuthConfig{
			Issuer:     "spigot",
			AccessTTL:  "24h",
			RefreshTTL: "168h",
			ClockSkew:  "30s",
			BcryptCost: 12,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  "15m",
		},
		CSRF: CSRFConfig{TTL: "1h"},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			Auth:             PolicyConfig{Limit: 10, Window: "60s"},
			General:          PolicyConfig{Limit: 100, Window: "60s"},
			SweepProbability: 0.01,
		},
		MCP: MCPConfig{
			Enabled:   false,
			Transport: "stdio",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
