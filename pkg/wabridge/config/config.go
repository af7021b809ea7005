// Package config loads the wabridge YAML configuration.
package config

import (
	"github.com/jholhewres/wabridge/pkg/wabridge/driver/whatsapp"
	"github.com/jholhewres/wabridge/pkg/wabridge/messages"
	"github.com/jholhewres/wabridge/pkg/wabridge/session"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Session  session.Config  `yaml:"session"`
	Cache    messages.Config `yaml:"cache"`
	Contacts ContactsConfig  `yaml:"contacts"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	QR       QRConfig        `yaml:"qr"`
	Gateway  GatewayConfig   `yaml:"gateway"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// ContactsConfig locates the contact cache file.
type ContactsConfig struct {
	// CachePath is the JSON file the directory persists to. Empty keeps
	// the directory in memory only.
	CachePath string `yaml:"cache_path"`
}

// QRConfig controls where pairing challenges are shown.
type QRConfig struct {
	// ImagePath receives a PNG of each challenge. Empty disables it.
	ImagePath string `yaml:"image_path"`

	// Terminal draws challenges on stdout when it is a terminal.
	Terminal bool `yaml:"terminal"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`

	// Address is the listen address, e.g. "127.0.0.1:8085".
	Address string `yaml:"address"`

	// AuthToken is the bearer token. Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins. Empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Session: session.DefaultConfig(),
		Cache:   messages.DefaultConfig(),
		Contacts: ContactsConfig{
			CachePath: "./data/contacts.json",
		},
		WhatsApp: whatsapp.DefaultConfig(),
		QR: QRConfig{
			ImagePath: "./data/qr.png",
			Terminal:  true,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Address: "127.0.0.1:8085",
		},
	}
}

// SessionConfig returns the session settings with the driver's auth
// material paths filled in for reset-auth.
func (c *Config) SessionConfig() session.Config {
	sc := c.Session
	sc.AuthPaths = c.WhatsApp.AuthPaths()
	return sc
}
