package config

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Extract   ExtractConfig
	Pipelines []PipelineConfig `mapstructure:"pipelines"`
	Env       string
}

type ExtractConfig struct {
	Backoff        BackoffConfig `mapstructure:"backoff"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
}

type BackoffConfig struct {
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
	RetryMax     int           `mapstructure:"retry_max"`
}

// PipelineConfig is one declarative pipeline: identity plus an ordered stage
// list. Immutable once loaded.
type PipelineConfig struct {
	ID     string  `mapstructure:"pipeline_id"`
	Name   string  `mapstructure:"pipeline_name"`
	Stages []Stage `mapstructure:"stages"`
}

// Stage describes one step of a pipeline. StageID must be unique within the
// pipeline and resolve to exactly one registered handler.
type Stage struct {
	StageID     string       `mapstructure:"stage_id"`
	StageName   string       `mapstructure:"stage_name"`
	StageType   string       `mapstructure:"stage_type"`
	Source      *Source      `mapstructure:"source"`
	Destination *Destination `mapstructure:"destination"`
}

// Source parameterizes an extract stage. Which fields apply depends on the
// adapter the stage id binds to.
type Source struct {
	BaseURL  string        `mapstructure:"base_url"`
	URL      string        `mapstructure:"url"`
	Limit    int           `mapstructure:"limit"`
	Pages    int           `mapstructure:"pages"`
	MaxRows  int           `mapstructure:"max_rows"`
	Throttle time.Duration `mapstructure:"throttle"`
}

// Destination describes the sink table for a load stage. UniqueColumns, when
// set, switches the sink to the insert-with-conflict-ignore variant keyed on
// those columns instead of drop-and-recreate.
type Destination struct {
	TableName     string   `mapstructure:"table_name"`
	CreateIndexes bool     `mapstructure:"create_indexes"`
	IndexColumns  []string `mapstructure:"index_columns"`
	UniqueColumns []string `mapstructure:"unique_columns"`
}

// Stage types a descriptor may declare.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageBranch    = "branch"
	StageMerge     = "merge"
	StageLoad      = "load"
)

// NewConfig loads the configuration from the provided base config reader
// and merges it with the environment-specific configuration.
func NewConfig(baseConfigReader io.Reader, envConfigReader io.Reader, env string) (*Config, error) {
	if env == "" { // Use the provided 'env' or default to "dev"
		env = "dev"
	}

	viper.SetConfigType("yaml")

	// Read the base configuration
	if err := viper.ReadConfig(baseConfigReader); err != nil {
		return nil, fmt.Errorf("error reading base config: %w", err)
	}

	// Merge with environment-specific configuration (only if provided)
	if envConfigReader != nil {
		if err := viper.MergeConfig(envConfigReader); err != nil {
			log.Printf("Error merging environment-specific config: %s", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	config.Env = env

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Pipeline returns the configuration with the given id. A missing id is a
// configuration error, fatal to the run that asked for it.
func (c *Config) Pipeline(id string) (*PipelineConfig, error) {
	for i := range c.Pipelines {
		if c.Pipelines[i].ID == id {
			return &c.Pipelines[i], nil
		}
	}
	return nil, fmt.Errorf("pipeline %q not found in config", id)
}

func (c *Config) validate() error {
	validTypes := map[string]bool{
		StageExtract: true, StageTransform: true, StageBranch: true,
		StageMerge: true, StageLoad: true,
	}
	for _, p := range c.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("pipeline with empty pipeline_id in config")
		}
		seen := make(map[string]bool, len(p.Stages))
		for _, s := range p.Stages {
			if s.StageID == "" {
				return fmt.Errorf("pipeline %s: stage with empty stage_id", p.ID)
			}
			if seen[s.StageID] {
				return fmt.Errorf("pipeline %s: duplicate stage_id %q", p.ID, s.StageID)
			}
			seen[s.StageID] = true
			if !validTypes[s.StageType] {
				return fmt.Errorf("pipeline %s: stage %s has unknown stage_type %q", p.ID, s.StageID, s.StageType)
			}
			if s.StageType == StageLoad && s.Destination == nil {
				return fmt.Errorf("pipeline %s: load stage %s has no destination", p.ID, s.StageID)
			}
		}
	}
	return nil
}
