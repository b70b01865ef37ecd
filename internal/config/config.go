// Package config loads chromakey configuration from defaults, an optional
// chromakey.yaml file and CHROMAKEY_* environment variables, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/chromakey/chromakey/pkg/remote"
	"github.com/chromakey/chromakey/pkg/runmanifest"
)

// ErrInvalidConfig marks configuration validation failures. Commands map
// it to the invalid-argument exit code before any task executes.
var ErrInvalidConfig = errors.New("invalid configuration")

// EngineConfig describes the capture worker process.
type EngineConfig struct {
	// Command and Args launch the engine. The control-mode flag is
	// appended by the supervisor.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// ControlFlag overrides the control-mode flag. Empty uses --control.
	ControlFlag string `mapstructure:"controlFlag"`

	// ReadyTimeout bounds the wait for the engine's ready signal.
	ReadyTimeout time.Duration `mapstructure:"readyTimeout"`

	// StopGrace bounds graceful shutdown before the engine is killed.
	StopGrace time.Duration `mapstructure:"stopGrace"`
}

// ServerConfig configures the panel API server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Config is the resolved application configuration.
type Config struct {
	Run    runmanifest.Config `mapstructure:"run"`
	Engine EngineConfig       `mapstructure:"engine"`
	Server ServerConfig       `mapstructure:"server"`
	Remote remote.Config      `mapstructure:"remote"`
}

// Load resolves configuration. An explicit path must exist; with an empty
// path the loader looks for chromakey.yaml in the working directory and
// falls back to defaults if absent.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("run.outputRoot", ".chromakey")
	v.SetDefault("run.concurrency", 4)
	v.SetDefault("run.catalogUrl", "http://localhost:6006")
	v.SetDefault("engine.command", "chromakey-engine")
	v.SetDefault("engine.readyTimeout", "60s")
	v.SetDefault("engine.stopGrace", "5s")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)

	v.SetEnvPrefix("CHROMAKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("chromakey")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would fail mid-run.
func (c *Config) Validate() error {
	if c.Run.OutputRoot == "" {
		return fmt.Errorf("%w: run.outputRoot is required", ErrInvalidConfig)
	}
	if c.Run.Concurrency < 1 {
		return fmt.Errorf("%w: run.concurrency must be >= 1", ErrInvalidConfig)
	}
	if c.Run.MaxFailures < 0 {
		return fmt.Errorf("%w: run.maxFailures must be >= 0", ErrInvalidConfig)
	}
	if c.Run.TaskRetries < 0 {
		return fmt.Errorf("%w: run.taskRetries must be >= 0", ErrInvalidConfig)
	}
	if c.Run.CaptureRate < 0 {
		return fmt.Errorf("%w: run.captureRate must be >= 0", ErrInvalidConfig)
	}
	for _, vp := range c.Run.Viewports {
		if vp.Name == "" || vp.Width <= 0 || vp.Height <= 0 {
			return fmt.Errorf("%w: viewport %q must have a name and positive dimensions", ErrInvalidConfig, vp.Name)
		}
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("%w: engine.command is required", ErrInvalidConfig)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be between 0 and 65535", ErrInvalidConfig)
	}
	return nil
}

// Addr returns the panel server listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
