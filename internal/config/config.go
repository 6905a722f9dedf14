// Package config loads rrepl settings. Values come from, in increasing
// precedence: built-in defaults, a YAML or TOML file, a .env file, the
// process environment, and finally command-line flags applied by the
// caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DotEnvFile is read from the working directory, when present, before
// environment overrides apply.
const DotEnvFile = ".env"

// Environment variables that override the file.
const (
	EnvBroker       = "RREPL_BROKER"
	EnvBrokerPort   = "RREPL_BROKER_PORT"
	EnvRemoteBroker = "RREPL_REMOTE_BROKER"
	EnvHost         = "RREPL_HOST"
	EnvPort         = "RREPL_PORT"
	EnvLogLevel     = "RREPL_LOG_LEVEL"
)

// AutoPort is the RREPL_PORT value that selects the first free port.
const AutoPort = "auto"

var ErrUnknownFormat = errors.New("config file must end in .yaml, .yml or .toml")

// Config is the complete rrepl configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker" toml:"broker"`
	Server ServerConfig `yaml:"server" toml:"server"`
	TLS    TLSConfig    `yaml:"tls" toml:"tls"`
	Auth   AuthConfig   `yaml:"auth" toml:"auth"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

// BrokerConfig locates the broker and tunes the broker role.
type BrokerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`

	// RemoteOnly never tries to become the broker.
	RemoteOnly bool `yaml:"remote_only" toml:"remote_only"`

	// CheckInterval is how long a registration lives without a heartbeat.
	CheckInterval time.Duration `yaml:"check_interval" toml:"check_interval"`

	ReconnectDelay time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`

	// Jitter bounds the random delay before re-registering with a new broker.
	Jitter time.Duration `yaml:"jitter" toml:"jitter"`
}

// ServerConfig configures the session endpoint.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`

	// AutoPort binds the first free port at or above Port.
	AutoPort bool `yaml:"auto_port" toml:"auto_port"`

	Name   string `yaml:"name" toml:"name"`
	Prompt string `yaml:"prompt" toml:"prompt"`

	AllowShell bool `yaml:"allow_shell" toml:"allow_shell"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" toml:"negotiation_timeout"`
	MaxAuthAttempts    int           `yaml:"max_auth_attempts" toml:"max_auth_attempts"`
}

// TLSConfig turns on the secure scheme. Without cert and key files a
// self-signed certificate is generated at start-up.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// AuthConfig enables credential checks.
type AuthConfig struct {
	// CredentialsFile is a YAML map of user name to bcrypt hash.
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Host:           "127.0.0.1",
			Port:           6462,
			CheckInterval:  20 * time.Second,
			ReconnectDelay: 3 * time.Second,
			Jitter:         time.Second,
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               6463,
			Name:               "rrepl",
			Prompt:             "rrepl> ",
			HeartbeatInterval:  15 * time.Second,
			NegotiationTimeout: 15 * time.Second,
			MaxAuthAttempts:    5,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (which may be empty), then DotEnvFile, then the
// environment, over the defaults.
func Load(path string) (Config, error) {
	return load(path, DotEnvFile)
}

func load(path, dotenv string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBroker); ok && v != "" {
		c.Broker.Host = v
	}
	if v, ok := lookup(EnvBrokerPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBrokerPort, err)
		}
		c.Broker.Port = port
	}
	if v, ok := lookup(EnvRemoteBroker); ok && v != "" {
		remote, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRemoteBroker, err)
		}
		c.Broker.RemoteOnly = remote
	}
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		if strings.EqualFold(v, AutoPort) {
			c.Server.AutoPort = true
		} else {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", EnvPort, err)
			}
			c.Server.Port = port
			c.Server.AutoPort = false
		}
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"broker.port": c.Broker.Port, "server.port": c.Server.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}
	if c.Server.MaxAuthAttempts < 1 {
		return fmt.Errorf("server.max_auth_attempts must be at least 1, got %d", c.Server.MaxAuthAttempts)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the configured handler writing to w.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
