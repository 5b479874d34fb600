// Package config holds the LMTP listener and local delivery settings. It is
// embedded in the main configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	LMTP     LMTPConfig     `yaml:"lmtp"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

// LMTPConfig configures the LMTP listener. Either or both of UnixSocket and
// TCPAddress may be set.
type LMTPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	UnixSocket    string `yaml:"unix_socket"`
	TCPAddress    string `yaml:"tcp_address"`
	MaxSize       int64  `yaml:"max_size"` // bytes
	Timeout       int    `yaml:"timeout"`  // seconds
	Hostname      string `yaml:"hostname"`
	MaxRecipients int    `yaml:"max_recipients"`
}

// DeliveryConfig decides where accepted mail is stored.
type DeliveryConfig struct {
	DefaultFolder     string   `yaml:"default_folder"`
	AllowedDomains    []string `yaml:"allowed_domains"` // empty accepts any domain
	RejectUnknownUser bool     `yaml:"reject_unknown_user"`
	StripDomain       bool     `yaml:"strip_domain"` // user@example.org is stored for "user"
	SpamFolder        string   `yaml:"spam_folder"`  // empty disables spam routing
}

const (
	defaultLMTPAddr   = "127.0.0.1:24"
	defaultMaxSize    = 50 << 20
	defaultTimeoutSec = 300
)

func DefaultConfig() *Config {
	return &Config{
		LMTP: LMTPConfig{
			TCPAddress:    defaultLMTPAddr,
			MaxSize:       defaultMaxSize,
			Timeout:       defaultTimeoutSec,
			Hostname:      "localhost",
			MaxRecipients: 100,
		},
		Delivery: DeliveryConfig{
			DefaultFolder:  "INBOX",
			AllowedDomains: []string{},
			SpamFolder:     "Spam",
		},
	}
}

func (c LMTPConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Validate reports every invalid setting at once. Nothing is checked while
// LMTP is disabled.
func (c *Config) Validate() error {
	if !c.LMTP.Enabled {
		return nil
	}

	var errs []error
	if c.LMTP.UnixSocket == "" && c.LMTP.TCPAddress == "" {
		errs = append(errs, errors.New("lmtp: one of unix_socket or tcp_address is required"))
	}
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"max_size", c.LMTP.MaxSize},
		{"timeout", int64(c.LMTP.Timeout)},
		{"max_recipients", int64(c.LMTP.MaxRecipients)},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("lmtp.%s must be positive, got %d", f.name, f.v))
		}
	}

	d := c.Delivery
	if d.DefaultFolder == "" {
		errs = append(errs, errors.New("delivery.default_folder cannot be empty"))
	}
	if d.SpamFolder != "" && strings.EqualFold(d.SpamFolder, d.DefaultFolder) {
		errs = append(errs, fmt.Errorf("delivery.spam_folder %q is the default folder", d.SpamFolder))
	}
	for _, domain := range d.AllowedDomains {
		if domain == "" || strings.Contains(domain, "@") {
			errs = append(errs, fmt.Errorf("delivery.allowed_domains: invalid domain %q", domain))
		}
	}
	return errors.Join(errs...)
}
