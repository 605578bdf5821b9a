package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "opencode-acp"

// Paths contains the standard paths for bridge data.
type Paths struct {
	Config string // ~/.config/opencode-acp
	State  string // ~/.local/state/opencode-acp
}

// GetPaths returns the standard paths for bridge data.
func GetPaths() *Paths {
	return &Paths{
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), appName),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), appName),
	}
}

// LogDir returns the directory log files are written to.
func (p *Paths) LogDir() string {
	return p.State
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}
