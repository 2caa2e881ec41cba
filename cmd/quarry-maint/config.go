package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v2"

	"github.com/grafana/quarry/pkg/engine"
	"github.com/grafana/quarry/pkg/maintenance/history"
	"github.com/grafana/quarry/pkg/maintenance/recluster"
	"github.com/grafana/quarry/pkg/storage/client"
	"github.com/grafana/quarry/pkg/storage/lock"
	util_log "github.com/grafana/quarry/pkg/util/log"
)

// Config is the configuration file of quarry-maint.
type Config struct {
	Log       util_log.Config     `yaml:"log"`
	Storage   client.Config       `yaml:"storage"`
	Lock      lock.Config         `yaml:"lock"`
	Engine    engine.Config       `yaml:"engine"`
	Recluster recluster.Config    `yaml:"recluster"`
	History   history.KafkaConfig `yaml:"history"`
}

// RegisterFlags registers the defaults of every field.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Log.RegisterFlags(f)
	c.Storage.RegisterFlagsWithPrefix("storage.", f)
	c.Lock.RegisterFlagsWithPrefix("", f)
	c.Engine.RegisterFlagsWithPrefix("engine.", f)
	c.Recluster.RegisterFlagsWithPrefix("", f)
	c.History.RegisterFlagsWithPrefix("history.", f)
}

// Validate returns an error if c is invalid.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	if err := c.Lock.Validate(); err != nil {
		return fmt.Errorf("invalid lock config: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if err := c.Recluster.Validate(); err != nil {
		return fmt.Errorf("invalid recluster config: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("invalid history config: %w", err)
	}
	return nil
}

// loadConfig returns the defaults overridden by the file at path, if any.
func loadConfig(path string) (Config, error) {
	var cfg Config
	flagext.DefaultValues(&cfg)

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
