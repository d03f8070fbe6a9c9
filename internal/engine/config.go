package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultResultPrefix  = "@result "
	defaultUseCasesQuery = `(.use_cases.use_cases? // .use_cases // []) | if type == "array" then . else [] end`
)

// Config describes an external generator binary.
type Config struct {
	Binary        string     `yaml:"binary"`
	Env           []string   `yaml:"env"`
	PTY           bool       `yaml:"pty"`
	ResultPrefix  string     `yaml:"result_prefix"`
	UseCasesQuery string     `yaml:"use_cases_query"`
	Args          ArgsConfig `yaml:"args"`
}

// ArgsConfig holds text/template argument lists per operation.
type ArgsConfig struct {
	Create []string `yaml:"create"`
	Edit   []string `yaml:"edit"`
	Revert []string `yaml:"revert"`
}

// LoadConfig reads a YAML file and returns the parsed Config with defaults applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ResultPrefix == "" {
		c.ResultPrefix = defaultResultPrefix
	}
	if c.UseCasesQuery == "" {
		c.UseCasesQuery = defaultUseCasesQuery
	}
}

// Validate checks that the config names a binary.
func (c *Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("engine config: binary is required")
	}
	return nil
}
