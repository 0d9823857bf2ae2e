package liveplot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the file-level configuration shared by the binaries.
type Config struct {
	Addr           string        `yaml:"addr"`
	QueueDepth     int           `yaml:"queue_depth"`
	BlockWhenFull  bool          `yaml:"block_when_full"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	Codec          string        `yaml:"codec"`
	HistoryLimit   int           `yaml:"history_limit"`
	UpdatePeriod   time.Duration `yaml:"update_period"`
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:5274",
		QueueDepth:     DefaultQueueDepth,
		BlockWhenFull:  false,
		EnqueueTimeout: time.Second,
		Codec:          "json",
		HistoryLimit:   200,
		UpdatePeriod:   10 * time.Millisecond,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Unknown keys are an
// error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: failed to parse config: %v", ErrConfig, err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs error
	if c.Addr == "" {
		errs = multierr.Append(errs, configErrorf("addr must not be empty"))
	}
	if c.QueueDepth < 0 {
		errs = multierr.Append(errs, configErrorf("queue_depth must not be negative, got %d", c.QueueDepth))
	}
	if c.EnqueueTimeout < 0 {
		errs = multierr.Append(errs, configErrorf("enqueue_timeout must not be negative, got %v", c.EnqueueTimeout))
	}
	if _, err := ParseCodec(c.Codec); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.HistoryLimit <= 0 {
		errs = multierr.Append(errs, configErrorf("history_limit must be positive, got %d", c.HistoryLimit))
	}
	if c.UpdatePeriod <= 0 {
		errs = multierr.Append(errs, configErrorf("update_period must be positive, got %v", c.UpdatePeriod))
	}
	return errs
}

// ChannelConfig derives the update channel settings. metrics may be nil.
func (c Config) ChannelConfig(metrics *ChannelMetrics) ChannelConfig {
	return ChannelConfig{
		QueueDepth:     c.QueueDepth,
		BlockWhenFull:  c.BlockWhenFull,
		EnqueueTimeout: c.EnqueueTimeout,
		Metrics:        metrics,
	}
}

// ParsedCodec returns the codec named by Codec, which Validate has checked.
func (c Config) ParsedCodec() Codec {
	codec, _ := ParseCodec(c.Codec)
	return codec
}
