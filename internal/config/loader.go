package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for unset durations. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Gateway.URL != "" {
		u, err := url.Parse(cfg.Gateway.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("gateway.url %q is not a valid URL: %w", cfg.Gateway.URL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("gateway.url %q must use the ws or wss scheme", cfg.Gateway.URL))
		}
	}

	if cfg.Gateway.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("gateway.handshake_timeout must not be negative, got %s", cfg.Gateway.HandshakeTimeout))
	} else if cfg.Gateway.HandshakeTimeout == 0 {
		cfg.Gateway.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if cfg.Session.StreamLimit < 0 {
		errs = append(errs, fmt.Errorf("session.stream_limit must not be negative, got %s", cfg.Session.StreamLimit))
	} else if cfg.Session.StreamLimit == 0 {
		cfg.Session.StreamLimit = DefaultStreamLimit
	}

	return errors.Join(errs...)
}
