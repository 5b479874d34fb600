package config_test

import (
	"strings"
	"testing"
	"time"

	"rook/internal/delivery/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config validation failed: %v", err)
	}

	if cfg.LMTP.MaxSize <= 0 {
		t.Error("MaxSize should be positive")
	}

	if cfg.Delivery.DefaultFolder != "INBOX" {
		t.Errorf("Expected default folder INBOX, got %s", cfg.Delivery.DefaultFolder)
	}

	if cfg.LMTP.TimeoutDuration() != 5*time.Minute {
		t.Errorf("Expected 5m timeout, got %s", cfg.LMTP.TimeoutDuration())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr bool
	}{
		{
			name:    "disabled skips checks",
			modify:  func(c *config.Config) { c.LMTP.MaxSize = 0 },
			wantErr: false,
		},
		{
			name: "no listener",
			modify: func(c *config.Config) {
				c.LMTP.Enabled = true
				c.LMTP.UnixSocket = ""
				c.LMTP.TCPAddress = ""
			},
			wantErr: true,
		},
		{
			name: "invalid max size",
			modify: func(c *config.Config) {
				c.LMTP.Enabled = true
				c.LMTP.MaxSize = 0
			},
			wantErr: true,
		},
		{
			name: "invalid timeout",
			modify: func(c *config.Config) {
				c.LMTP.Enabled = true
				c.LMTP.Timeout = -1
			},
			wantErr: true,
		},
		{
			name: "invalid max recipients",
			modify: func(c *config.Config) {
				c.LMTP.Enabled = true
				c.LMTP.MaxRecipients = 0
			},
			wantErr: true,
		},
		{
			name: "empty default folder",
			modify: func(c *config.Config) {
				c.LMTP.Enabled = true
				c.Delivery.DefaultFolder = ""
			},
			wantErr: true,
		},
		{
			name: "spam folder equals default folder",
			modify: func(c *config.Config) {
				c.LMTP.Enabled = true
				c.Delivery.SpamFolder = "inbox"
			},
			wantErr: true,
		},
		{
			name: "address in allowed domains",
			modify: func(c *config.Config) {
				c.LMTP.Enabled = true
				c.Delivery.AllowedDomains = []string{"example.org", "bob@example.org"}
			},
			wantErr: true,
		},
		{
			name:    "enabled defaults",
			modify:  func(c *config.Config) { c.LMTP.Enabled = true },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LMTP.Enabled = true
	cfg.LMTP.MaxSize = 0
	cfg.LMTP.MaxRecipients = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"lmtp.max_size", "lmtp.max_recipients"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
