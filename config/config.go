// Package config loads daemon configuration from an optional TOML file
// with environment-variable overrides. The zero value is fully usable.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP listen address. Default ":8080".
	Listen string `toml:"listen"`
	// CORSOrigin is the allowed CORS origin. Default "*".
	CORSOrigin string `toml:"cors_origin"`
	// LogLevel is an hclog level name (trace, debug, info, warn, error).
	LogLevel string `toml:"log_level"`
	// ProxiesFile is the path to the SOCKS5 proxies list. Empty means no
	// proxies: SMTP connections dial directly.
	ProxiesFile string `toml:"proxies_file"`
	// HeloHost is the EHLO identity used when a provider profile does not
	// dictate one.
	HeloHost string `toml:"helo_host"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Listen:     ":8080",
		CORSOrigin: "*",
		LogLevel:   "info",
	}
}

// Load reads the TOML file at path (skipped when path is empty), then
// applies environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MAILPROBE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("MAILPROBE_CORS_ORIGIN"); v != "" {
		c.CORSOrigin = v
	}
	if v := os.Getenv("MAILPROBE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MAILPROBE_PROXIES"); v != "" {
		c.ProxiesFile = v
	}
	if v := os.Getenv("MAILPROBE_HELO_HOST"); v != "" {
		c.HeloHost = v
	}
}
