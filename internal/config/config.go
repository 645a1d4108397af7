// Package config loads settings from defaults, an optional YAML file, a .env
// file and the environment, and command-line flags, in increasing order of
// precedence.
package config

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type ClusterConfig struct {
	Workers       int           `yaml:"workers"`
	RestartDelay  time.Duration `yaml:"restart_delay"`
	RestartWindow time.Duration `yaml:"restart_window"`
	MaxRestarts   int           `yaml:"max_restarts"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type AdmissionConfig struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

type RoomConfig struct {
	MessageMaxLength int           `yaml:"message_max_length"`
	HistorySize      int           `yaml:"history_size"`
	EmptyRoomGrace   time.Duration `yaml:"empty_room_grace"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	StoreRetries     int           `yaml:"store_retries"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	ServerAddr     string          `yaml:"server_addr"`
	DatabaseDSN    string          `yaml:"database_dsn"`
	RedisURL       string          `yaml:"redis_url"`
	SigningSecret  string          `yaml:"signing_key"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	TrustProxy     bool            `yaml:"trust_proxy"`
	Log            LogConfig       `yaml:"log"`
	Cluster        ClusterConfig   `yaml:"cluster"`
	Admission      AdmissionConfig `yaml:"admission"`
	Rooms          RoomConfig      `yaml:"rooms"`

	// Worker is set on processes started by the primary.
	Worker bool `yaml:"-"`
	// SigningKey is the decoded SigningSecret. Empty disables token checks.
	SigningKey []byte `yaml:"-"`
}

func Default() *Config {
	return &Config{
		ServerAddr: "localhost:8000",
		Log:        LogConfig{Level: "info", Format: "json"},
		Cluster: ClusterConfig{
			RestartDelay:  time.Second,
			RestartWindow: time.Minute,
			MaxRestarts:   5,
			ProbeInterval: 30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Admission: AdmissionConfig{Window: time.Minute, Max: 10},
		Rooms: RoomConfig{
			MessageMaxLength: 2000,
			HistorySize:      50,
			EmptyRoomGrace:   60 * time.Second,
			StoreTimeout:     5 * time.Second,
			StoreRetries:     5,
		},
	}
}

type stringSliceFlag struct {
	target *[]string
}

func (s stringSliceFlag) String() string {
	if s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s stringSliceFlag) Set(value string) error {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	*s.target = out
	return nil
}

// envKeys maps flag names to the environment variables that can set them.
var envKeys = map[string]string{
	"addr":               "SERVER_ADDR",
	"dsn":                "DATABASE_URL",
	"redis-url":          "REDIS_URL",
	"signing-key":        "SIGNING_KEY",
	"allowed-origins":    "ALLOWED_ORIGINS",
	"trust-proxy":        "TRUST_PROXY",
	"log-level":          "LOG_LEVEL",
	"log-format":         "LOG_FORMAT",
	"workers":            "WORKERS",
	"restart-delay":      "RESTART_DELAY",
	"restart-window":     "RESTART_WINDOW",
	"max-restarts":       "MAX_RESTARTS",
	"probe-interval":     "PROBE_INTERVAL",
	"shutdown-grace":     "SHUTDOWN_GRACE",
	"admission-window":   "ADMISSION_WINDOW",
	"admission-max":      "ADMISSION_MAX",
	"message-max-length": "MESSAGE_MAX_LENGTH",
	"history-size":       "HISTORY_SIZE",
	"empty-room-grace":   "EMPTY_ROOM_GRACE",
	"store-timeout":      "STORE_TIMEOUT",
	"store-retries":      "STORE_RETRIES",
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ServerAddr, "addr", c.ServerAddr, "server address")
	fs.StringVar(&c.DatabaseDSN, "dsn", c.DatabaseDSN, "database connection string, empty for the in-memory store")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis url for the shared admission limiter")
	fs.StringVar(&c.SigningSecret, "signing-key", c.SigningSecret, "base64 encoded token signing key")
	fs.Var(stringSliceFlag{&c.AllowedOrigins}, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "take client addresses from proxy headers")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format, json or console")

	fs.IntVar(&c.Cluster.Workers, "workers", c.Cluster.Workers, "worker processes, 0 for one per CPU less one")
	fs.DurationVar(&c.Cluster.RestartDelay, "restart-delay", c.Cluster.RestartDelay, "delay before restarting a crashed worker")
	fs.DurationVar(&c.Cluster.RestartWindow, "restart-window", c.Cluster.RestartWindow, "window in which worker exits are counted")
	fs.IntVar(&c.Cluster.MaxRestarts, "max-restarts", c.Cluster.MaxRestarts, "exits allowed per window before a slot is disabled")
	fs.DurationVar(&c.Cluster.ProbeInterval, "probe-interval", c.Cluster.ProbeInterval, "worker health probe interval")
	fs.DurationVar(&c.Cluster.ShutdownGrace, "shutdown-grace", c.Cluster.ShutdownGrace, "time allowed for a graceful stop")

	fs.DurationVar(&c.Admission.Window, "admission-window", c.Admission.Window, "connection admission window")
	fs.IntVar(&c.Admission.Max, "admission-max", c.Admission.Max, "connections allowed per address per window")

	fs.IntVar(&c.Rooms.MessageMaxLength, "message-max-length", c.Rooms.MessageMaxLength, "maximum message length in characters")
	fs.IntVar(&c.Rooms.HistorySize, "history-size", c.Rooms.HistorySize, "messages sent to a joining participant")
	fs.DurationVar(&c.Rooms.EmptyRoomGrace, "empty-room-grace", c.Rooms.EmptyRoomGrace, "time an empty room lives before it expires")
	fs.DurationVar(&c.Rooms.StoreTimeout, "store-timeout", c.Rooms.StoreTimeout, "timeout for each store operation")
	fs.IntVar(&c.Rooms.StoreRetries, "store-retries", c.Rooms.StoreRetries, "attempts for a conflicting room update")

	fs.BoolVar(&c.Worker, "worker", c.Worker, "run as a worker process (set by the primary)")
}

// Load builds the configuration for a process started with args. Flags set
// on the command line win over the environment, which wins over the YAML
// file, which wins over the defaults.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("huddle", flag.ContinueOnError)
	cfg.bindFlags(fs)
	configFile := fs.String("config", "", "path to a YAML config file")
	envFile := fs.String("env-file", ".env", "path to a .env file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	// start over from the defaults and layer the sources; the flags stay
	// bound to cfg's fields
	*cfg = *Default()

	if *configFile != "" {
		if err := cfg.loadFile(*configFile); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	for name, key := range envKeys {
		v, ok := lookupEnv(key)
		if !ok || v == "" {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return nil, fmt.Errorf("-%s: %w", name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks the configuration and decodes the signing key.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.SigningSecret != "" {
		key, err := decodeSigningSecret(c.SigningSecret)
		if err != nil {
			return fmt.Errorf("decode signing secret: %w", err)
		}
		c.SigningKey = key
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}

	if c.Cluster.Workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	if c.Cluster.MaxRestarts < 1 {
		return fmt.Errorf("max restarts must be at least 1")
	}
	if c.Admission.Max < 1 {
		return fmt.Errorf("admission max must be at least 1")
	}
	if c.Rooms.MessageMaxLength < 1 {
		return fmt.Errorf("message max length must be at least 1")
	}
	if c.Rooms.HistorySize < 1 {
		return fmt.Errorf("history size must be at least 1")
	}
	if c.Rooms.StoreRetries < 1 {
		return fmt.Errorf("store retries must be at least 1")
	}

	for name, d := range map[string]time.Duration{
		"restart delay":    c.Cluster.RestartDelay,
		"restart window":   c.Cluster.RestartWindow,
		"probe interval":   c.Cluster.ProbeInterval,
		"shutdown grace":   c.Cluster.ShutdownGrace,
		"admission window": c.Admission.Window,
		"empty room grace": c.Rooms.EmptyRoomGrace,
		"store timeout":    c.Rooms.StoreTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// Logger builds the process logger described by the log settings.
func (c *Config) Logger(w *os.File) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if c.Log.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(w)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
