package whatsapp

import (
	"path/filepath"
	"time"
)

// Config holds WhatsApp driver configuration.
type Config struct {
	// SessionDir is the directory for session persistence (SQLite).
	// Ignored if DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file holding the device keys. If empty,
	// defaults to {SessionDir}/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// BufferSize caps the messages kept per chat for history reads.
	BufferSize int `yaml:"buffer_size"`

	// HistorySyncCount is how many older messages one resync asks for.
	HistorySyncCount int `yaml:"history_sync_count"`

	// PingInterval is how often presence is sent to keep the socket warm.
	// Zero disables the pinger.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:       "./sessions/whatsapp",
		DeviceName:       "WABridge",
		BufferSize:       500,
		HistorySyncCount: 50,
		PingInterval:     2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SessionDir == "" && c.DatabasePath == "" {
		c.SessionDir = def.SessionDir
	}
	if c.DeviceName == "" {
		c.DeviceName = def.DeviceName
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.HistorySyncCount <= 0 {
		c.HistorySyncCount = def.HistorySyncCount
	}
	return c
}

// DBPath is the SQLite file used for the session store.
func (c Config) DBPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.withDefaults().SessionDir, "whatsapp.db")
}

// AuthPaths lists what must be removed to forget the linked device: the
// session directory, or the database file and its WAL companions when a
// dedicated database path is configured.
func (c Config) AuthPaths() []string {
	if c.DatabasePath != "" {
		return []string{c.DatabasePath, c.DatabasePath + "-wal", c.DatabasePath + "-shm"}
	}
	return []string{c.withDefaults().SessionDir}
}
