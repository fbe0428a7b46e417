// Package config handles slap configuration from YAML files and defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/slap/horosafe"
)

// Config is the top-level slap configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	Browser  BrowserConfig `yaml:"browser"`
	Capture  CaptureConfig `yaml:"capture"`
	Page     PageConfig    `yaml:"page"`
	LogLevel string        `yaml:"log_level"` // debug | info | warn | error
}

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Address           string        `yaml:"address"`
	Port              int           `yaml:"port"`
	MaxConns          int           `yaml:"max_conns"` // 0 = unlimited; a cap disables keep-alives
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RateLimit         float64       `yaml:"rate_limit"` // requests/s per client IP, 0 = off
	RateBurst         int           `yaml:"rate_burst"`
	TrustProxy        bool          `yaml:"trust_proxy"` // client IP from X-Forwarded-For / X-Real-IP
}

// BrowserConfig controls the Chrome session screenshots are taken from.
type BrowserConfig struct {
	Remote           string         `yaml:"remote"`
	Bin              string         `yaml:"bin"`
	NoSandbox        bool           `yaml:"no_sandbox"`
	Stealth          string         `yaml:"stealth"` // headless | headful
	Evasions         bool           `yaml:"evasions"`
	XvfbDisplay      string         `yaml:"xvfb_display"`
	URL              string         `yaml:"url"`
	BlockPrivate     bool           `yaml:"block_private"`
	NavigateTimeout  time.Duration  `yaml:"navigate_timeout"`
	Viewport         ViewportConfig `yaml:"viewport"`
	Format           string         `yaml:"format"` // png | jpeg
	Quality          int            `yaml:"quality"`
	ResourceBlocking []string       `yaml:"resource_blocking"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// CaptureConfig controls the capture loop.
type CaptureConfig struct {
	Cadence time.Duration `yaml:"cadence"`
}

// PageConfig controls the HTML page served at /.
type PageConfig struct {
	Title   string `yaml:"title"`
	Refresh int    `yaml:"refresh"` // seconds, 0 = no auto-refresh
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Listen.ReadHeaderTimeout <= 0 {
		c.Listen.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Listen.WriteTimeout <= 0 {
		c.Listen.WriteTimeout = 30 * time.Second
	}
	if c.Listen.IdleTimeout <= 0 {
		c.Listen.IdleTimeout = 60 * time.Second
	}
	if c.Listen.ShutdownTimeout <= 0 {
		c.Listen.ShutdownTimeout = 10 * time.Second
	}
	if c.Listen.RateLimit > 0 && c.Listen.RateBurst <= 0 {
		c.Listen.RateBurst = int(c.Listen.RateLimit) * 2
		if c.Listen.RateBurst < 1 {
			c.Listen.RateBurst = 1
		}
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.URL == "" {
		c.Browser.URL = "http://example.org"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Browser.Viewport.Width <= 0 {
		c.Browser.Viewport.Width = 1280
	}
	if c.Browser.Viewport.Height <= 0 {
		c.Browser.Viewport.Height = 720
	}
	if c.Browser.Format == "" {
		c.Browser.Format = "png"
	}
	if c.Browser.Format == "jpeg" && c.Browser.Quality == 0 {
		c.Browser.Quality = 80
	}
	if c.Capture.Cadence <= 0 {
		c.Capture.Cadence = time.Second
	}
	if c.Page.Title == "" {
		c.Page.Title = "slap"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port: %d out of range 1-65535", c.Listen.Port))
	}
	if c.Listen.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("listen.rate_limit: must be >= 0"))
	}
	switch c.Browser.Stealth {
	case "headless", "headful":
	default:
		errs = append(errs, fmt.Errorf("browser.stealth: %q is not headless or headful", c.Browser.Stealth))
	}
	switch c.Browser.Format {
	case "png", "jpeg":
	default:
		errs = append(errs, fmt.Errorf("browser.format: %q is not png or jpeg", c.Browser.Format))
	}
	if c.Browser.Quality < 0 || c.Browser.Quality > 100 {
		errs = append(errs, fmt.Errorf("browser.quality: %d out of range 0-100", c.Browser.Quality))
	}
	if err := horosafe.ValidateURL(c.Browser.URL, c.Browser.BlockPrivate); err != nil {
		errs = append(errs, fmt.Errorf("browser.url: %w", err))
	}
	if c.Capture.Cadence <= 0 {
		errs = append(errs, fmt.Errorf("capture.cadence: must be positive"))
	}
	if c.Page.Refresh < 0 {
		errs = append(errs, fmt.Errorf("page.refresh: must be >= 0"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Addr is the host:port the HTTP listener binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen.Address, strconv.Itoa(c.Listen.Port))
}
