package slap

import (
	"github.com/hazyhaar/slap/slap/internal/config"
)

// Config is the top-level slap configuration. Re-exported from internal.
type Config = config.Config

// ListenConfig controls the HTTP listener.
type ListenConfig = config.ListenConfig

// BrowserConfig controls the Chrome session.
type BrowserConfig = config.BrowserConfig

// CaptureConfig controls the capture cadence.
type CaptureConfig = config.CaptureConfig

// PageConfig controls the HTML page served at /.
type PageConfig = config.PageConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
