package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mcoot/clanharvest/internal/config"
	"github.com/mcoot/clanharvest/internal/factory"
)

// Options holds the global flags
type Options struct {
	ConfigPath string
	LogFormat  string
	LogLevel   string
	Output     string
	ServerURL  string
	Token      string
}

// DefaultOptions returns Options with default values
func DefaultOptions() *Options {
	return &Options{
		ConfigPath: os.Getenv("CLANHARVEST_CONFIG"),
		Output:     "text",
		ServerURL:  getEnvOrDefault("CLANHARVEST_SERVER", "http://localhost:8080"),
		Token:      os.Getenv("CLANHARVEST_TOKEN"),
	}
}

// loadConfig reads the config file and environment, then applies flag
// overrides for logging
func (o *Options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger; logs go to stderr so stdout stays
// parseable
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// openApp loads configuration and wires the application. Callers must Close it.
func (o *Options) openApp(stderr io.Writer) (*factory.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return nil, err
	}
	return factory.New(cfg, logger)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
