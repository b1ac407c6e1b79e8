// Package config loads the acquisition settings from a JSON or YAML file.
//
// Every field is optional. Unset fields fall back to the defaults returned by
// the Get* accessors, so a partial file (or none at all) is valid.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tofsense/internal/frame"
	"github.com/banshee-data/tofsense/internal/proximity"
	"github.com/banshee-data/tofsense/internal/serialport"
)

// ErrInvalidConfig is wrapped by every validation failure. It is fatal: no
// sampling starts with an invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration. Duration fields are strings such as
// "50ms" or "4s".
type Config struct {
	// Serial link
	Port         *string `json:"port,omitempty" yaml:"port,omitempty"`
	BaudRate     *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits     *int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits     *int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity       *string `json:"parity,omitempty" yaml:"parity,omitempty"`
	ReadTimeout  *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	OpenAttempts *int    `json:"open_attempts,omitempty" yaml:"open_attempts,omitempty"`

	// Frame layout and conditioning
	ChannelCount    *int                  `json:"channel_count,omitempty" yaml:"channel_count,omitempty"`
	BytesPerChannel *int                  `json:"bytes_per_channel,omitempty" yaml:"bytes_per_channel,omitempty"`
	Limit           *int                  `json:"limit,omitempty" yaml:"limit,omitempty"`
	WindowSize      *int                  `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	Thresholds      *proximity.Thresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Timing
	TickInterval *string `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"`
	WarmupDelay  *string `json:"warmup_delay,omitempty" yaml:"warmup_delay,omitempty"`
	ReadyTimeout *string `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
	MaxFrameAge  *string `json:"max_frame_age,omitempty" yaml:"max_frame_age,omitempty"`

	// Outputs
	EnableLogging                 *bool   `json:"enable_logging,omitempty" yaml:"enable_logging,omitempty"`
	EnableProximityClassification *bool   `json:"enable_proximity_classification,omitempty" yaml:"enable_proximity_classification,omitempty"`
	LogPath                       *string `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	DBPath                        *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen                        *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	PlotLength                    *int    `json:"plot_length,omitempty" yaml:"plot_length,omitempty"`
	PlotMin                       *bool   `json:"plot_min,omitempty" yaml:"plot_min,omitempty"`
}

// Ptr returns a pointer to v, for filling optional fields.
func Ptr[T any](v T) *T { return &v }

// Load reads a configuration file. The format is chosen by extension: .json,
// .yaml or .yml. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every set field and the combinations that only make sense
// together.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Port != nil && strings.TrimSpace(*c.Port) == "" {
		return invalid("port must not be empty")
	}
	if _, err := c.PortOptions().Normalise(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.GetLimit() <= 0 {
		return invalid("limit must be positive, got %d", c.GetLimit())
	}
	if c.GetWindowSize() <= 0 {
		return invalid("window_size must be positive, got %d", c.GetWindowSize())
	}
	if err := c.GetThresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.GetPlotLength() <= 0 {
		return invalid("plot_length must be positive, got %d", c.GetPlotLength())
	}
	if c.GetOpenAttempts() <= 0 {
		return invalid("open_attempts must be positive, got %d", c.GetOpenAttempts())
	}

	durations := []struct {
		name     string
		value    *string
		positive bool
	}{
		{"tick_interval", c.TickInterval, true},
		{"read_timeout", c.ReadTimeout, false},
		{"warmup_delay", c.WarmupDelay, false},
		{"ready_timeout", c.ReadyTimeout, true},
		{"max_frame_age", c.MaxFrameAge, false},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return invalid("%s %q: %v", d.name, *d.value, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return invalid("%s must be positive, got %v", d.name, v)
		}
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func get[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

// GetPort returns the serial device path, default /dev/ttyUSB0.
func (c *Config) GetPort() string { return get(c.Port, "/dev/ttyUSB0") }

// GetChannelCount returns the number of sensors per frame, default 3.
func (c *Config) GetChannelCount() int { return get(c.ChannelCount, 3) }

// GetBytesPerChannel returns the sample width, default 2.
func (c *Config) GetBytesPerChannel() int { return get(c.BytesPerChannel, 2) }

// GetLimit returns the clamp ceiling, default 400.
func (c *Config) GetLimit() int { return get(c.Limit, 400) }

// GetWindowSize returns the stuck-detection window, default 15 ticks.
func (c *Config) GetWindowSize() int { return get(c.WindowSize, 15) }

// GetThresholds returns the proximity breakpoints, default 50/150/300.
func (c *Config) GetThresholds() proximity.Thresholds {
	return get(c.Thresholds, proximity.DefaultThresholds())
}

// GetTickInterval returns the sampling period, default 50ms.
func (c *Config) GetTickInterval() time.Duration {
	return getDuration(c.TickInterval, 50*time.Millisecond)
}

// GetReadTimeout returns the per-read serial timeout, default 4s. It bounds
// how long a stop request can wait on a silent port.
func (c *Config) GetReadTimeout() time.Duration {
	return getDuration(c.ReadTimeout, 4*time.Second)
}

// GetWarmupDelay returns the pause before flushing the input buffer, default 1s.
func (c *Config) GetWarmupDelay() time.Duration {
	return getDuration(c.WarmupDelay, time.Second)
}

// GetReadyTimeout returns how long startup waits for the first frame, default 5s.
func (c *Config) GetReadyTimeout() time.Duration {
	return getDuration(c.ReadyTimeout, 5*time.Second)
}

// GetMaxFrameAge returns the staleness limit; zero (the default) disables it.
func (c *Config) GetMaxFrameAge() time.Duration {
	return getDuration(c.MaxFrameAge, 0)
}

// GetOpenAttempts returns how many times the port is opened before giving up, default 3.
func (c *Config) GetOpenAttempts() int { return get(c.OpenAttempts, 3) }

// GetEnableLogging reports whether the row log is written, default false.
func (c *Config) GetEnableLogging() bool { return get(c.EnableLogging, false) }

// GetEnableProximityClassification reports whether proximity events are
// announced, default true.
func (c *Config) GetEnableProximityClassification() bool {
	return get(c.EnableProximityClassification, true)
}

// GetLogPath returns the row log path, default value.log.
func (c *Config) GetLogPath() string { return get(c.LogPath, "value.log") }

// GetDBPath returns the sqlite log path; empty (the default) disables it.
func (c *Config) GetDBPath() string { return get(c.DBPath, "") }

// GetListen returns the debug HTTP address; empty (the default) disables it.
func (c *Config) GetListen() string { return get(c.Listen, "") }

// GetPlotLength returns the number of points kept per plotted series, default 100.
func (c *Config) GetPlotLength() int { return get(c.PlotLength, 100) }

// GetPlotMin reports whether the display plots the two minima instead of
// every channel, default true.
func (c *Config) GetPlotMin() bool { return get(c.PlotMin, true) }

// PortOptions returns the serial parameters, unnormalised.
func (c *Config) PortOptions() serialport.PortOptions {
	return serialport.PortOptions{
		BaudRate: get(c.BaudRate, serialport.DefaultBaudRate),
		DataBits: get(c.DataBits, 8),
		StopBits: get(c.StopBits, 1),
		Parity:   get(c.Parity, "N"),
	}
}

// Layout returns the frame layout.
func (c *Config) Layout() frame.Layout {
	return frame.Layout{Channels: c.GetChannelCount(), Width: frame.Width(c.GetBytesPerChannel())}
}
