package conf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config validation failed: %v", err)
	}
	if cfg.Delivery.Delivery.DefaultFolder != "INBOX" {
		t.Errorf("Expected default folder INBOX, got %s", cfg.Delivery.Delivery.DefaultFolder)
	}
	if cfg.Server.IdleTimeoutDuration().Minutes() != 30 {
		t.Errorf("Expected 30 minute idle timeout, got %s", cfg.Server.IdleTimeoutDuration())
	}
}

func TestLoadConfig_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rook.yaml")

	configContent := `server:
  addr: ":1143"
  greeting: "hello"
storage:
  backend: sqlite
  path: /var/lib/rook
  uid_validity_on_rename: true
blob_storage:
  enabled: true
  bucket: mail
  region: eu-west-1
auth:
  backend: http
  auth_server_url: https://auth.test.example.com
lmtp:
  enabled: true
  tcp_address: "127.0.0.1:2424"
  max_recipients: 5
delivery:
  allowed_domains: [example.org]
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.Addr != ":1143" || cfg.Server.Greeting != "hello" {
		t.Errorf("Unexpected server section %+v", cfg.Server)
	}
	if !cfg.Storage.UIDValidityOnRename || cfg.Storage.Path != "/var/lib/rook" {
		t.Errorf("Unexpected storage section %+v", cfg.Storage)
	}
	if !cfg.BlobStorage.Enabled || cfg.BlobStorage.Bucket != "mail" {
		t.Errorf("Unexpected blob_storage section %+v", cfg.BlobStorage)
	}
	if cfg.Auth.AuthServerURL != "https://auth.test.example.com" {
		t.Errorf("Expected auth_server_url, got '%s'", cfg.Auth.AuthServerURL)
	}
	if !cfg.Delivery.LMTP.Enabled || cfg.Delivery.LMTP.MaxRecipients != 5 {
		t.Errorf("Unexpected lmtp section %+v", cfg.Delivery.LMTP)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Delivery.LMTP.MaxSize != 52428800 || cfg.Delivery.Delivery.DefaultFolder != "INBOX" {
		t.Errorf("Defaults not preserved: %+v", cfg.Delivery)
	}
	if len(cfg.Delivery.Delivery.AllowedDomains) != 1 {
		t.Errorf("Expected one allowed domain, got %v", cfg.Delivery.Delivery.AllowedDomains)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging section %+v", cfg.Logging)
	}
}

func TestLoadConfig_SearchPaths(t *testing.T) {
	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get current directory: %v", err)
	}
	defer func() { _ = os.Chdir(originalDir) }()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Failed to change directory: %v", err)
	}

	original := DefaultConfigPaths
	DefaultConfigPaths = []string{"./config/rook.yaml", "./rook.yaml"}
	defer func() { DefaultConfigPaths = original }()

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Expected defaults without a config file, got: %v", err)
	}
	if cfg.Server.Addr != DefaultConfig().Server.Addr {
		t.Errorf("Expected default addr, got %s", cfg.Server.Addr)
	}

	if err := os.WriteFile("rook.yaml", []byte("server:\n  addr: \":2143\"\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err = LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Addr != ":2143" {
		t.Errorf("Expected addr from ./rook.yaml, got %s", cfg.Server.Addr)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing explicit config file")
	}

	bad := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server: [unterminated"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"no listeners", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"tls without cert", func(c *Config) { c.Server.TLSAddr = ":993" }, "cert_file"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage backend"},
		{"memory with sql auth", func(c *Config) { c.Storage.Backend = "memory" }, "auth backend sql"},
		{"http without url", func(c *Config) { c.Auth.Backend = "http" }, "auth_server_url"},
		{"jwt without secret", func(c *Config) { c.Auth.Backend = "jwt" }, "jwt_secret"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"lmtp", func(c *Config) {
			c.Delivery.LMTP.Enabled = true
			c.Delivery.LMTP.MaxRecipients = 0
		}, "lmtp"},
		{"unknown users on memory", func(c *Config) {
			c.Storage.Backend = "memory"
			c.Auth.Backend = "jwt"
			c.Auth.JWTSecret = "k"
			c.Delivery.Delivery.RejectUnknownUser = true
		}, "reject_unknown_user"},
		{"blobs on memory", func(c *Config) {
			c.Storage.Backend = "memory"
			c.Auth.Backend = "jwt"
			c.Auth.JWTSecret = "k"
			c.BlobStorage.Enabled = true
			c.BlobStorage.Bucket = "b"
			c.BlobStorage.Region = "r"
		}, "blob_storage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}
