// Package config provides configuration directory management and
// per-connection protocol defaults for sshcore.
package config

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns the configuration directory for sshcore.
// It follows platform-specific conventions:
// - Windows: %APPDATA%\sshcore
// - Unix-like: $XDG_CONFIG_HOME/sshcore or $HOME/.config/sshcore
func GetConfigDir() (string, error) {
	var configDir string

	// Check for XDG_CONFIG_HOME first (cross-platform standard)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "sshcore")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		// Windows: use APPDATA
		configDir = filepath.Join(appData, "sshcore")
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		// Unix-like: use ~/.config/sshcore
		configDir = filepath.Join(homeDir, ".config", "sshcore")
	} else {
		return "", err
	}

	// Ensure the directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}

// GetUserDBPath returns the full path to the identity database file in the
// config directory.
func GetUserDBPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "users.json"), nil
}

// Default bounds for a Connection, per spec section 6.
// connproto.DefaultConnectionConfig reads these; they live here so the CLI and the protocol layer agree on
// one set of defaults without an import cycle.
const (
	DefaultChannelMaxCount      = 256
	DefaultChannelMaxQueueSize  = 32 * 1024
	DefaultChannelMaxPacketSize = 32 * 1024

	// HardMaxPacketSize is the absolute ceiling for ChannelMaxPacketSize;
	// larger requests are replaced with the default.
	HardMaxPacketSize = 35000

	// MaxChannelQueueSize is the largest legal TWindowBuffer capacity
	// (2^29-1); larger requests are clamped back to the default.
	MaxChannelQueueSize = (1 << 29) - 1
)
