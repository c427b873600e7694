package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ecglab/waveform"
)

// Config holds the full server configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
	LogLevel    string `yaml:"log_level"`

	// Render defaults; per-request query parameters override them.
	RenderWidth  int `yaml:"render_width"`
	RenderHeight int `yaml:"render_height"`

	// Generate is the default generator config; request bodies override
	// individual fields.
	Generate waveform.GenerateConfig `yaml:"generate"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		MaxUploadMB:  50,
		LogLevel:     "info",
		RenderWidth:  900,
		RenderHeight: 360,
		Generate:     waveform.DefaultGenerateConfig(),
	}
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if c.RenderWidth <= 0 || c.RenderHeight <= 0 {
		return fmt.Errorf("render dimensions must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if err := c.Generate.Validate(); err != nil {
		return fmt.Errorf("generate defaults: %w", err)
	}
	return nil
}
