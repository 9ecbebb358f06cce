// Package config loads the configuration file of the postoffice command.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Zereker/postoffice"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config holds the postoffice command configuration.
type Config struct {
	// Addr is the listen address for serve and the dial address for send.
	Addr string `yaml:"addr"`

	// Transport is "tcp" or "quic".
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"log_level"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	Mailbox MailboxConfig `yaml:"mailbox"`
}

// MailboxConfig mirrors the mailbox options.
type MailboxConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	InboxSize      int           `yaml:"inbox_size"`
	MaxMessageSize int           `yaml:"max_message_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Linger         time.Duration `yaml:"linger"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits incoming messages per connection.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Addr:             "127.0.0.1:14004",
		Transport:        "tcp",
		LogLevel:         "info",
		HandshakeTimeout: postoffice.DefaultHandshakeTimeout,
	}
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the mailbox options cannot default.
func (c *Config) Validate() error {
	switch c.Transport {
	case "tcp", "quic":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Mailbox.RateLimit.MessagesPerSecond < 0 {
		return fmt.Errorf("negative rate limit")
	}
	if c.Mailbox.RateLimit.MessagesPerSecond > 0 && c.Mailbox.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit needs a positive burst")
	}
	return nil
}

// Options converts the mailbox section into mailbox options. Zero values
// are left to the package defaults.
func (c *Config) Options() []postoffice.Option {
	m := c.Mailbox
	opts := []postoffice.Option{
		postoffice.BufferSizeOption(m.BufferSize),
		postoffice.InboxSizeOption(m.InboxSize),
		postoffice.MessageMaxSize(m.MaxMessageSize),
		postoffice.PollIntervalOption(m.PollInterval),
		postoffice.LingerOption(m.Linger),
	}
	if m.RateLimit.MessagesPerSecond > 0 {
		opts = append(opts, postoffice.RateLimitOption(rate.Limit(m.RateLimit.MessagesPerSecond), m.RateLimit.Burst))
	}
	return opts
}
