package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Settings holds supervisor-wide tunables sourced from the environment.
// Per-server values in ServerConfig override the timeouts here.
type Settings struct {
	// RequestTimeout bounds each outstanding tool call. ENV: PLURAL_TOOLS_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"PLURAL_TOOLS_REQUEST_TIMEOUT,default=30s"`
	// HandshakeTimeout bounds the initialize exchange at startup. ENV: PLURAL_TOOLS_HANDSHAKE_TIMEOUT
	HandshakeTimeout time.Duration `env:"PLURAL_TOOLS_HANDSHAKE_TIMEOUT,default=10s"`
	// ShutdownGrace is how long a server gets between SIGTERM and SIGKILL. ENV: PLURAL_TOOLS_SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"PLURAL_TOOLS_SHUTDOWN_GRACE,default=2s"`
	// Debug enables debug-level logging. ENV: PLURAL_TOOLS_DEBUG
	Debug bool `env:"PLURAL_TOOLS_DEBUG,default=false"`
}

// DefaultSettings returns the settings used when the environment is empty.
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ShutdownGrace:    2 * time.Second,
	}
}

// LoadSettings populates Settings from the environment, falling back to
// the tag defaults for anything unset. Unparseable values are an error
// rather than a silent fallback.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envdecode.StrictDecode(&s); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, nil
}
