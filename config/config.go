package config

import (
	"fmt"
	"os"
	"time"

	"github.com/bingosuite/cdpbridge/internal/logging"
	"gopkg.in/yaml.v3"
)

type Config struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Debugger  DebuggerConfig  `yaml:"debugger"`
}

type WebSocketConfig struct {
	MaxSessions    int           `yaml:"max_sessions"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DebuggerConfig controls how scripts are exposed to DevTools and how often the
// engine polls the bridge while it is paused.
type DebuggerConfig struct {
	ScriptsDomain string        `yaml:"scripts_domain"`
	PathPrefix    string        `yaml:"path_prefix"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ScriptsDir    string        `yaml:"scripts_dir"`
	TargetTitle   string        `yaml:"target_title"`
	RunInterval   time.Duration `yaml:"run_interval"`
}

func Default() *Config {
	return &Config{
		WebSocket: WebSocketConfig{
			MaxSessions:    100,
			IdleTimeout:    0,
			RequestTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":9229",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Debugger: DebuggerConfig{
			ScriptsDomain: "http://app/",
			PathPrefix:    "",
			PollInterval:  10 * time.Millisecond,
			ScriptsDir:    "scripts",
			TargetTitle:   "cdpbridge",
			RunInterval:   0,
		},
	}
}

// Load config from yml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports the first setting that cannot be used as is.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.WebSocket.MaxSessions < 0 {
		return fmt.Errorf("websocket.max_sessions must be >= 0, got %d", c.WebSocket.MaxSessions)
	}
	if c.WebSocket.IdleTimeout < 0 {
		return fmt.Errorf("websocket.idle_timeout must be >= 0, got %v", c.WebSocket.IdleTimeout)
	}
	if c.WebSocket.RequestTimeout <= 0 {
		return fmt.Errorf("websocket.request_timeout must be > 0, got %v", c.WebSocket.RequestTimeout)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Debugger.ScriptsDomain == "" {
		return fmt.Errorf("debugger.scripts_domain must not be empty")
	}
	if c.Debugger.PollInterval <= 0 {
		return fmt.Errorf("debugger.poll_interval must be > 0, got %v", c.Debugger.PollInterval)
	}
	if c.Debugger.RunInterval < 0 {
		return fmt.Errorf("debugger.run_interval must be >= 0, got %v", c.Debugger.RunInterval)
	}
	return nil
}
