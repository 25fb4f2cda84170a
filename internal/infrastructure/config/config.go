package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Terminal  TerminalConfig  `yaml:"terminal" toml:"terminal"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" yaml:"port" toml:"port"`
	Host string `envconfig:"HOST" yaml:"host" toml:"host"`

	// CORSOrigins lists browser origins allowed besides the server's own,
	// for both REST and WebSocket. "*" allows any. Empty means same-origin.
	CORSOrigins []string `envconfig:"CORS_ORIGINS" yaml:"cors_origins" toml:"cors_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"rps" toml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled" toml:"enabled"`
}

// TerminalConfig configures the session host and scrollback persistence.
type TerminalConfig struct {
	// Backend selects the session host: "dtach" or "tmux".
	Backend         string   `envconfig:"TERMINAL_BACKEND" yaml:"backend" toml:"backend"`
	SocketDir       string   `envconfig:"TERMINAL_SOCKET_DIR" yaml:"socket_dir" toml:"socket_dir"`
	BufferDir       string   `envconfig:"TERMINAL_BUFFER_DIR" yaml:"buffer_dir" toml:"buffer_dir"`
	ScrollbackBytes int      `envconfig:"TERMINAL_SCROLLBACK_BYTES" yaml:"scrollback_bytes" toml:"scrollback_bytes"`
	Shell           string   `envconfig:"TERMINAL_SHELL" yaml:"shell" toml:"shell"`
	WorkDir         string   `envconfig:"WORK_DIR" yaml:"work_dir" toml:"work_dir"`
	CommandTimeout  Duration `envconfig:"TERMINAL_COMMAND_TIMEOUT" yaml:"command_timeout" toml:"command_timeout"`
	// IdleDetach detaches a session after it has had no viewers for this
	// long. Zero disables idle detach.
	IdleDetach Duration `envconfig:"TERMINAL_IDLE_DETACH" yaml:"idle_detach" toml:"idle_detach"`
	TmuxConfig string   `envconfig:"TERMINAL_TMUX_CONFIG" yaml:"tmux_config" toml:"tmux_config"`
}

// WebSocketConfig holds control-plane connection limits.
type WebSocketConfig struct {
	SendQueue       int      `envconfig:"WS_SEND_QUEUE" yaml:"send_queue" toml:"send_queue"`
	MaxMessageBytes int64    `envconfig:"WS_MAX_MESSAGE_BYTES" yaml:"max_message_bytes" toml:"max_message_bytes"`
	PingInterval    Duration `envconfig:"WS_PING_INTERVAL" yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeout    Duration `envconfig:"WS_WRITE_TIMEOUT" yaml:"write_timeout" toml:"write_timeout"`
	MessageRate     float64  `envconfig:"WS_MESSAGE_RATE" yaml:"message_rate" toml:"message_rate"`
	MessageBurst    int      `envconfig:"WS_MESSAGE_BURST" yaml:"message_burst" toml:"message_burst"`
}

// StoreConfig configures the terminal metadata mirror.
type StoreConfig struct {
	Path    string `envconfig:"STORE_PATH" yaml:"path" toml:"path"`
	Enabled bool   `envconfig:"STORE_ENABLED" yaml:"enabled" toml:"enabled"`
}

// Duration is a time.Duration that decodes from strings like "3s" in
// environment variables and config files alike.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load builds configuration from defaults, then the file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file type: %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Terminal.Backend {
	case "dtach", "tmux":
	default:
		return fmt.Errorf("unknown terminal backend %q", c.Terminal.Backend)
	}
	if c.Terminal.ScrollbackBytes <= 0 {
		return fmt.Errorf("scrollback size must be positive, got %d", c.Terminal.ScrollbackBytes)
	}
	if c.WebSocket.SendQueue <= 0 {
		return fmt.Errorf("websocket send queue must be positive, got %d", c.WebSocket.SendQueue)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	stateDir := filepath.Join(os.TempDir(), "termhost")

	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Host: "127.0.0.1",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Terminal: TerminalConfig{
			Backend:         "dtach",
			SocketDir:       filepath.Join(stateDir, "sockets"),
			BufferDir:       filepath.Join(stateDir, "buffers"),
			ScrollbackBytes: 256 * 1024,
			CommandTimeout:  Duration(3 * time.Second),
			IdleDetach:      Duration(10 * time.Minute),
		},
		WebSocket: WebSocketConfig{
			SendQueue:       256,
			MaxMessageBytes: 1 << 20,
			PingInterval:    Duration(30 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			MessageRate:     200,
			MessageBurst:    400,
		},
		Store: StoreConfig{
			Path:    filepath.Join(stateDir, "terminals.db"),
			Enabled: true,
		},
	}
}
