// Package config loads gateway configuration from defaults, a YAML file,
// and environment variables, in that order of increasing precedence.
// CLI flags (bound in cmd/tescmd) take final precedence over all three.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the serve runtime and CLI subcommands need.
type Config struct {
	// Upstream fleet API
	FleetAPIBaseURL string `yaml:"fleet_api_base_url" env:"TESCMD_FLEET_API_URL"`
	OAuthClientID   string `yaml:"oauth_client_id" env:"TESCMD_OAUTH_CLIENT_ID"`
	VIN             string `yaml:"vin" env:"TESCMD_VIN"`

	// serve runtime
	Port          int    `yaml:"port" env:"TESCMD_PORT"`
	Host          string `yaml:"host" env:"TESCMD_HOST"`
	TelemetryPort int    `yaml:"telemetry_port" env:"TESCMD_TELEMETRY_PORT"`
	Transport     string `yaml:"transport" env:"TESCMD_TRANSPORT"` // "stdio" | "streamable-http"
	NoTelemetry   bool   `yaml:"no_telemetry" env:"TESCMD_NO_TELEMETRY"`
	NoMCP         bool   `yaml:"no_mcp" env:"TESCMD_NO_MCP"`
	NoLog         bool   `yaml:"no_log" env:"TESCMD_NO_LOG"`
	Tunnel        bool   `yaml:"tunnel" env:"TESCMD_TUNNEL"`

	// openclaw bridge
	GatewayURL   string `yaml:"gateway_url" env:"TESCMD_GATEWAY_URL"`
	GatewayToken string `yaml:"gateway_token" env:"TESCMD_GATEWAY_TOKEN"`
	DryRun       bool   `yaml:"dry_run" env:"TESCMD_DRY_RUN"`

	// tool-server credentials
	ClientID     string `yaml:"client_id" env:"TESCMD_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"TESCMD_CLIENT_SECRET"`

	// upstream OAuth client (distinct from the embedded tool-server
	// OAuth authorization server)
	OAuthClientSecret string `yaml:"oauth_client_secret" env:"TESCMD_OAUTH_CLIENT_SECRET"`
	TokenPath         string `yaml:"token_path" env:"TESCMD_TOKEN_PATH"`

	// storage
	CacheDir    string `yaml:"cache_dir" env:"TESCMD_CACHE_DIR"`
	CacheDSN    string `yaml:"cache_dsn" env:"TESCMD_CACHE_DSN"` // postgres DSN; empty means sqlite under CacheDir
	CSVLogPath  string `yaml:"csv_log_path" env:"TESCMD_CSV_LOG_PATH"`
	AuditDir    string `yaml:"audit_dir" env:"TESCMD_AUDIT_DIR"`
	KeyDir      string `yaml:"key_dir" env:"TESCMD_KEY_DIR"`
	DefaultTTLSeconds int `yaml:"default_ttl_seconds" env:"TESCMD_DEFAULT_TTL_SECONDS"`

	Fields   string `yaml:"fields" env:"TESCMD_FIELDS"`
	Interval int    `yaml:"interval" env:"TESCMD_INTERVAL"`

	Verbose bool   `yaml:"verbose" env:"TESCMD_VERBOSE"`
	Format  string `yaml:"format" env:"TESCMD_FORMAT"`
}

// Default returns a Config populated with sane defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		FleetAPIBaseURL:   "https://fleet-api.prd.na.vn.cloud.tesla.com",
		Port:              8080,
		Host:              "127.0.0.1",
		Transport:         "streamable-http",
		CacheDir:          filepath.Join(home, ".tescmd", "cache"),
		AuditDir:          filepath.Join(home, ".tescmd", "audit"),
		KeyDir:            filepath.Join(home, ".tescmd", "keys"),
		CSVLogPath:        filepath.Join(home, ".tescmd", "telemetry.csv"),
		TokenPath:         filepath.Join(home, ".tescmd", "token.json"),
		DefaultTTLSeconds: 120,
		Fields:            "default",
		Format:            "text",
	}
}

// Load resolves the config file path, applies file overrides over defaults,
// then applies environment variable overrides over the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	return cfg, nil
}

// DefaultConfigPath returns the standard location for the config file.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tescmd.yaml"
	}
	return filepath.Join(home, ".tescmd", "config.yaml")
}

// Save writes the config to the given path as YAML, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
