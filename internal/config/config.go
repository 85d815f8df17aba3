// Package config loads calltrace settings. Sources apply in order, later
// wins: built-in defaults, YAML file, agent option string, CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/calltrace/internal/filter"
	"github.com/ppiankov/calltrace/internal/pipeline"
	"github.com/ppiankov/calltrace/internal/ratelimit"
	"github.com/ppiankov/calltrace/internal/store"
)

// OptionSeparator separates entries of an agent option string.
const OptionSeparator = ","

// Config holds every configurable setting.
type Config struct {
	Filters         string          `yaml:"filters"`
	Database        string          `yaml:"database"`
	Journal         string          `yaml:"journal"`
	CheckpointEvery int64           `yaml:"checkpoint_every"`
	ControlDir      string          `yaml:"control_dir"`
	PollInterval    time.Duration   `yaml:"poll_interval"`
	QueueHighWater  int             `yaml:"queue_high_water"`
	DropLogLimit    ratelimit.Limit `yaml:"drop_log_limit"`
	LogLevel        string          `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database:        store.DefaultLocation,
		CheckpointEvery: pipeline.DefaultCheckpointEvery,
		PollInterval:    time.Second,
		DropLogLimit:    ratelimit.Limit{MaxEvents: 10, Window: time.Minute},
		LogLevel:        "info",
	}
}

// Load reads a YAML config file over the defaults.
// Empty path or missing file returns defaults. Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOptions applies an agent option string such as
// "filters=filters.txt,database=trace.db". Unknown keys are ignored.
func (c *Config) ApplyOptions(opts string) error {
	if strings.TrimSpace(opts) == "" {
		return nil
	}
	for _, opt := range strings.Split(opts, OptionSeparator) {
		if opt == "" {
			continue
		}
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return fmt.Errorf("config: option %q: expected key=value", opt)
		}
		switch strings.TrimSpace(key) {
		case "filters":
			c.Filters = value
		case "database":
			c.Database = value
		case "journal":
			c.Journal = value
		case "control_dir":
			c.ControlDir = value
		case "checkpoint_every":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("config: option checkpoint_every: %w", err)
			}
			c.CheckpointEvery = n
		default:
			log.Warnf("Ignoring unknown option %q", key)
		}
	}
	return c.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.CheckpointEvery < 0 {
		errs = append(errs, fmt.Errorf("checkpoint_every must be >= 0, got %d", c.CheckpointEvery))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be >= 0, got %s", c.PollInterval))
	}
	if c.QueueHighWater < 0 {
		errs = append(errs, fmt.Errorf("queue_high_water must be >= 0, got %d", c.QueueHighWater))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// FilterLists loads the configured filter file. An unreadable file is
// logged and yields empty lists, so nothing is filtered.
func (c *Config) FilterLists() filter.Lists {
	if c.Filters == "" {
		return filter.Lists{}
	}
	lists, err := filter.Load(c.Filters)
	if err != nil {
		log.Warnf("Cannot load filters, recording all classes: %v", err)
		return filter.Lists{}
	}
	log.Infof("Loaded filters from %s: %d allow, %d deny", c.Filters, len(lists.Allow), len(lists.Deny))
	return lists
}

// Pipeline returns the pipeline configuration.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Filters:         c.FilterLists(),
		CheckpointEvery: c.CheckpointEvery,
		QueueHighWater:  c.QueueHighWater,
		DropLogLimit:    c.DropLogLimit,
	}
}

// OpenSink opens the SQLite sink at the configured database location,
// falling back to a sink that persists nothing when storage is unusable.
func (c *Config) OpenSink() store.Sink {
	sink, err := store.OpenSQLite(c.Database)
	if err != nil {
		log.Warnf("Storage unavailable, trace records will not be persisted: %v", err)
		return store.NewNull()
	}
	return sink
}
