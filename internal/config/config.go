// Package config loads bridge configuration from files, .env and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Defaults for the backend connection.
const (
	DefaultBaseURL        = "http://localhost:4096"
	DefaultSpawnAddr      = "127.0.0.1:4096"
	DefaultConnectTimeout = 2000 * time.Millisecond
	DefaultServerCommand  = "opencode serve"
)

// Environment variables read by Load.
const (
	EnvBaseURL        = "OPENCODE_BASE_URL"
	EnvSpawnAddr      = "OPENCODE_ACP_SPAWN_ADDR"
	EnvConnectTimeout = "OPENCODE_ACP_CONNECT_TIMEOUT"
	EnvServerCommand  = "OPENCODE_ACP_SERVER_COMMAND"
	EnvModel          = "OPENCODE_ACP_MODEL"
	EnvNoSpawn        = "OPENCODE_ACP_NO_SPAWN"
	EnvLogLevel       = "OPENCODE_ACP_LOG_LEVEL"
	EnvConfig         = "OPENCODE_ACP_CONFIG"
)

// Config is the bridge configuration.
type Config struct {
	// BaseURL of the opencode server to attach to.
	BaseURL string `json:"baseURL,omitempty"`
	// SpawnAddr is the loopback host:port a spawned server binds to.
	SpawnAddr string `json:"spawnAddr,omitempty"`
	// Spawn controls whether a local server may be started. Nil means true.
	Spawn *bool `json:"spawn,omitempty"`
	// ConnectTimeoutMS bounds the initial connection attempt.
	ConnectTimeoutMS int `json:"connectTimeout,omitempty"`
	// ServerCommand is the shell-style command used to spawn the server.
	ServerCommand string `json:"serverCommand,omitempty"`
	// Model is the preferred "provider/model" for new sessions.
	Model    string                   `json:"model,omitempty"`
	LogLevel string                   `json:"logLevel,omitempty"`
	Command  map[string]CommandConfig `json:"command,omitempty"`
}

// CommandConfig declares a custom slash command.
type CommandConfig struct {
	Description string `json:"description,omitempty"`
	Template    string `json:"template,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Model       string `json:"model,omitempty"`
	Subtask     bool   `json:"subtask,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:          DefaultBaseURL,
		SpawnAddr:        DefaultSpawnAddr,
		ConnectTimeoutMS: int(DefaultConnectTimeout / time.Millisecond),
		ServerCommand:    DefaultServerCommand,
		Command:          make(map[string]CommandConfig),
	}
}

// ConnectTimeout returns the connection timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMS <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// SpawnEnabled reports whether a local server may be started.
func (c *Config) SpawnEnabled() bool {
	return c.Spawn == nil || *c.Spawn
}

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/opencode-acp/)
// 3. Project config (<directory>/.opencode/acp.json[c])
// 4. OPENCODE_ACP_CONFIG file
// 5. <directory>/.env (never overrides variables already set)
// 6. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		loaded[absPath] = true
		return loadConfigFile(path, cfg, baseDir)
	}

	var paths [][2]string
	globalDir := GetPaths().Config
	paths = append(paths,
		[2]string{filepath.Join(globalDir, "config.json"), globalDir},
		[2]string{filepath.Join(globalDir, "config.jsonc"), globalDir},
	)
	if directory != "" {
		projectDir := filepath.Join(directory, ".opencode")
		paths = append(paths,
			[2]string{filepath.Join(projectDir, "acp.json"), projectDir},
			[2]string{filepath.Join(projectDir, "acp.jsonc"), projectDir},
		)
	}
	if p := os.Getenv(EnvConfig); p != "" {
		paths = append(paths, [2]string{p, filepath.Dir(p)})
	}
	for _, p := range paths {
		if err := loadOnce(p[0], p[1]); err != nil {
			return nil, err
		}
	}

	if directory != "" {
		envFile := filepath.Join(directory, ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile loads a single config file with interpolation support.
// A missing file is not an error.
func loadConfigFile(path string, cfg *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	mergeConfig(cfg, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}
		// Marshal gives a quoted JSON string; the placeholder already sits inside quotes.
		quoted, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(quoted[1 : len(quoted)-1])
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.BaseURL != "" {
		target.BaseURL = source.BaseURL
	}
	if source.SpawnAddr != "" {
		target.SpawnAddr = source.SpawnAddr
	}
	if source.Spawn != nil {
		v := *source.Spawn
		target.Spawn = &v
	}
	if source.ConnectTimeoutMS > 0 {
		target.ConnectTimeoutMS = source.ConnectTimeoutMS
	}
	if source.ServerCommand != "" {
		target.ServerCommand = source.ServerCommand
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Command != nil {
		if target.Command == nil {
			target.Command = make(map[string]CommandConfig)
		}
		for k, v := range source.Command {
			target.Command[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(EnvSpawnAddr); v != "" {
		cfg.SpawnAddr = v
	}
	if v := os.Getenv(EnvConnectTimeout); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("%s: invalid timeout %q", EnvConnectTimeout, v)
		}
		cfg.ConnectTimeoutMS = ms
	}
	if v := os.Getenv(EnvServerCommand); v != "" {
		cfg.ServerCommand = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvNoSpawn); v != "" {
		noSpawn, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvNoSpawn, err)
		}
		spawn := !noSpawn
		cfg.Spawn = &spawn
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}
