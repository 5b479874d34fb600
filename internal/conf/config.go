package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"rook/internal/blobstorage"
	delivery "rook/internal/delivery/config"
)

// DefaultConfigPaths are tried in order when LoadConfig gets no path.
var DefaultConfigPaths = []string{
	"/etc/rook/rook.yaml",
	"./config/rook.yaml",
	"./rook.yaml",
}

type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Storage     StorageConfig      `yaml:"storage"`
	BlobStorage blobstorage.Config `yaml:"blob_storage"`
	Auth        AuthConfig         `yaml:"auth"`
	Delivery    delivery.Config    `yaml:",inline"`
	SASL        SASLConfig         `yaml:"sasl"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	TLSAddr     string `yaml:"tls_addr"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	Greeting    string `yaml:"greeting"`
	IdleTimeout int    `yaml:"idle_timeout"` // seconds
	MaxLiteral  int64  `yaml:"max_literal"`  // bytes
}

// IdleTimeoutDuration returns the read deadline applied between commands.
func (c ServerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite or memory
	Path    string `yaml:"path"`

	// UIDValidityOnRename gives a renamed mailbox a fresh UIDVALIDITY.
	UIDValidityOnRename bool `yaml:"uid_validity_on_rename"`
}

type AuthConfig struct {
	Backend       string `yaml:"backend"` // sql, http or jwt
	Domain        string `yaml:"domain"`
	AuthServerURL string `yaml:"auth_server_url"`
	JWTSecret     string `yaml:"jwt_secret"`
	JWTIssuer     string `yaml:"jwt_issuer"`
}

type SASLConfig struct {
	Socket string `yaml:"socket"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // logfmt or json
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a configuration that serves plain IMAP on localhost
// from a SQLite store under ./data.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:143",
			Greeting:    "Rook IMAP4rev1 Service Ready",
			IdleTimeout: 1800,
			MaxLiteral:  52428800,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "data",
		},
		Auth: AuthConfig{
			Backend: "sql",
		},
		Delivery: *delivery.DefaultConfig(),
		SASL: SASLConfig{
			Socket: "/var/run/rook/auth.sock",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

// LoadConfig reads path over DefaultConfig. An empty path searches
// DefaultConfigPaths and falls back to the defaults when none exists.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		for _, p := range DefaultConfigPaths {
			data, err = os.ReadFile(filepath.Clean(p))
			if err == nil {
				break
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return cfg, cfg.Validate()
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" && c.Server.TLSAddr == "" {
		return fmt.Errorf("at least one of server.addr or server.tls_addr must be specified")
	}
	if c.Server.TLSAddr != "" && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("server.tls_addr requires cert_file and key_file")
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server.idle_timeout cannot be negative")
	}
	if c.Server.MaxLiteral <= 0 {
		return fmt.Errorf("server.max_literal must be positive")
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path cannot be empty for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if err := c.BlobStorage.Validate(); err != nil {
		return err
	}
	if c.BlobStorage.Enabled && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("blob_storage requires the sqlite storage backend")
	}

	switch c.Auth.Backend {
	case "sql":
		if c.Storage.Backend != "sqlite" {
			return fmt.Errorf("auth backend sql requires the sqlite storage backend")
		}
	case "http":
		if c.Auth.AuthServerURL == "" {
			return fmt.Errorf("auth.auth_server_url cannot be empty for the http backend")
		}
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret cannot be empty for the jwt backend")
		}
	default:
		return fmt.Errorf("invalid auth backend: %s", c.Auth.Backend)
	}

	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("lmtp: %w", err)
	}
	if c.Delivery.Delivery.RejectUnknownUser && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("delivery.reject_unknown_user requires the sqlite storage backend")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"logfmt": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
