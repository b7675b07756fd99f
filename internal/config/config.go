// SPDX-License-Identifier: MIT

// Package config loads the daemon's flat key=value configuration file.
//
// The format is a fixed external contract shared with deployment tooling:
// one `key=value` pair per line, no sections, no quoting. Unknown keys are
// ignored so configs can carry keys for newer daemons.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/epgd/epgd/internal/version"
)

// Recognized keys.
const (
	keyLogPath     = "log_path"
	keyLogLevel    = "log_level"
	keyHost        = "host"
	keyEPGInDir    = "epg_in_directory"
	keyEPGOutDir   = "epg_out_directory"
	keyLicenseKey  = "license_key"
	keyMetricsHost = "metrics_host"
)

// Defaults.
const (
	DefaultClientPort = 6317
	DefaultLogPath    = "/dev/null"
	DefaultLogLevel   = "info"
	DefaultEPGInDir   = "/var/lib/epgd/epg_in"
	DefaultEPGOutDir  = "/var/lib/epgd/epg_out"
)

// Config is the immutable daemon configuration.
type Config struct {
	Host        string // listen address, "ip:port"
	LogPath     string
	LogLevel    string
	EPGInDir    string
	EPGOutDir   string
	LicenseKey  string
	MetricsHost string // optional ops listener, empty disables
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Host:      fmt.Sprintf("127.0.0.1:%d", DefaultClientPort),
		LogPath:   DefaultLogPath,
		LogLevel:  DefaultLogLevel,
		EPGInDir:  DefaultEPGInDir,
		EPGOutDir: DefaultEPGOutDir,
	}
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case keyLogPath:
			cfg.LogPath = value
		case keyLogLevel:
			cfg.LogLevel = value
		case keyHost:
			cfg.Host = value
		case keyEPGInDir:
			cfg.EPGInDir = value
		case keyEPGOutDir:
			cfg.EPGOutDir = value
		case keyLicenseKey:
			cfg.LicenseKey = value
		case keyMetricsHost:
			cfg.MetricsHost = value
		}
	}
	if err := sc.Err(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for fatal problems.
func (c Config) Validate() error {
	if c.LicenseKey == "" {
		return fmt.Errorf("%s field in config required", keyLicenseKey)
	}
	host, port, err := net.SplitHostPort(c.Host)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", keyHost, c.Host, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("invalid %s %q", keyHost, c.Host)
	}
	if c.MetricsHost != "" {
		if _, _, err := net.SplitHostPort(c.MetricsHost); err != nil {
			return fmt.Errorf("invalid %s %q: %w", keyMetricsHost, c.MetricsHost, err)
		}
	}
	if c.EPGInDir == "" || c.EPGOutDir == "" {
		return fmt.Errorf("epg directories must not be empty")
	}
	return nil
}

// ConnectAddr returns the address a companion process should dial. Inside a
// docker network the host literal is the project name; substitute loopback.
func (c Config) ConnectAddr() string {
	host, port, err := net.SplitHostPort(c.Host)
	if err != nil {
		return c.Host
	}
	if host == version.Project {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return c.Host
}
