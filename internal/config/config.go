package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StreamConfig declares one stream the recording session consumes
type StreamConfig struct {
	Type     string `mapstructure:"type" yaml:"type"`         // "continuous", "event"
	Required bool   `mapstructure:"required" yaml:"required"` // discovery failure aborts the session
}

type TimingConfig struct {
	StreamTimeout time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"` // discovery bound
	PullTimeout   time.Duration `mapstructure:"pull_timeout" yaml:"pull_timeout"`     // continuous pull bound
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`   // idle marker poll interval
	GracePeriod   time.Duration `mapstructure:"grace_period" yaml:"grace_period"`     // drain bound
}

type ClockConfig struct {
	CalibrationWindow int     `mapstructure:"calibration_window" yaml:"calibration_window"` // records per fit
	DriftTolerance    float64 `mapstructure:"drift_tolerance" yaml:"drift_tolerance"`       // s/s before warning
}

type OutputConfig struct {
	Directory         string `mapstructure:"directory" yaml:"directory"`
	FallbackDirectory string `mapstructure:"fallback_directory" yaml:"fallback_directory"`
}

type Config struct {
	BridgeURL string         `mapstructure:"bridge_url" yaml:"bridge_url"`
	Streams   []StreamConfig `mapstructure:"streams" yaml:"streams"`
	Timing    TimingConfig   `mapstructure:"timing" yaml:"timing"`
	Clock     ClockConfig    `mapstructure:"clock" yaml:"clock"`
	Output    OutputConfig   `mapstructure:"output" yaml:"output"`
}

func defaultConfig() *Config {
	return &Config{
		BridgeURL: "http://127.0.0.1:16571",
		Streams: []StreamConfig{
			{Type: "continuous", Required: true},
			{Type: "event", Required: false},
		},
		Timing: TimingConfig{
			StreamTimeout: 10 * time.Second,
			PullTimeout:   250 * time.Millisecond,
			PollInterval:  20 * time.Millisecond,
			GracePeriod:   2 * time.Second,
		},
		Clock: ClockConfig{
			CalibrationWindow: 64,
			DriftTolerance:    0.01,
		},
		Output: OutputConfig{
			Directory:         filepath.Join(os.Getenv("HOME"), "NeuroCapture", "Recordings"),
			FallbackDirectory: filepath.Join(os.TempDir(), "neurocapture"),
		},
	}
}

// Load reads the configuration file, merging it over the defaults. A
// missing file at the default location is not an error: the defaults
// describe a complete, working setup against a local bridge.
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile == "" {
		configFile = os.ExpandEnv("$HOME/.config/neurocapture.yaml")
		if _, err := os.Stat(configFile); err != nil {
			return cfg, nil
		}
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("NEUROCAPTURE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Output.FallbackDirectory = expandPath(cfg.Output.FallbackDirectory)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the recorder cannot
// operate with.
func Validate(cfg *Config) error {
	if cfg.BridgeURL == "" {
		return fmt.Errorf("bridge_url is required")
	}

	if len(cfg.Streams) == 0 {
		return fmt.Errorf("at least one stream must be declared")
	}
	for i, s := range cfg.Streams {
		if s.Type != "continuous" && s.Type != "event" {
			return fmt.Errorf("streams[%d]: type must be 'continuous' or 'event', got: %s", i, s.Type)
		}
	}

	hasRequired := false
	for _, s := range cfg.Streams {
		if s.Required {
			hasRequired = true
			break
		}
	}
	if !hasRequired {
		return fmt.Errorf("at least one stream must be required")
	}

	if cfg.Timing.StreamTimeout <= 0 {
		return fmt.Errorf("timing.stream_timeout must be > 0, got: %s", cfg.Timing.StreamTimeout)
	}
	if cfg.Timing.GracePeriod <= 0 {
		return fmt.Errorf("timing.grace_period must be > 0, got: %s", cfg.Timing.GracePeriod)
	}

	if cfg.Clock.CalibrationWindow < 2 {
		return fmt.Errorf("clock.calibration_window must be >= 2, got: %d", cfg.Clock.CalibrationWindow)
	}
	if cfg.Clock.DriftTolerance <= 0 {
		return fmt.Errorf("clock.drift_tolerance must be > 0, got: %g", cfg.Clock.DriftTolerance)
	}

	if cfg.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
