// config.go - Courier configuration.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the courier delivery
// pipeline.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel        = "NOTICE"
	defaultRequestTimeout  = 10
	defaultMaxConcurrency  = 10
	defaultMaxEnvelopeSize = 64 * 1024
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Server is the delivery service configuration.
type Server struct {
	// URL is the delivery service origin.
	URL string

	// Username is the identified credential's user, usually the account
	// id and device id joined with a period.
	Username string

	// Password is the identified credential's password.
	Password string
}

func (sCfg *Server) validate() error {
	if sCfg == nil || sCfg.URL == "" {
		return fmt.Errorf("config: Server: missing URL")
	}
	u, err := url.Parse(sCfg.URL)
	if err != nil {
		return fmt.Errorf("config: Server: URL is invalid: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: Server: URL scheme '%v' is invalid", u.Scheme)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// RequestTimeout is the number of seconds a single request round trip
	// is allowed to take until it is canceled.
	RequestTimeout int

	// MaxConcurrency bounds the fan-out worker pool.
	MaxConcurrency int

	// MaxEnvelopeSize bounds built content in bytes.  Zero uses the
	// default; a negative value disables the limit.
	MaxEnvelopeSize int
}

func (d *Debug) fixup() {
	if d.RequestTimeout == 0 {
		d.RequestTimeout = defaultRequestTimeout
	}
	if d.MaxConcurrency == 0 {
		d.MaxConcurrency = defaultMaxConcurrency
	}
	if d.MaxEnvelopeSize == 0 {
		d.MaxEnvelopeSize = defaultMaxEnvelopeSize
	}
}

// Config is the top level courier configuration.
type Config struct {
	Logging *Logging
	Server  *Server
	Debug   *Debug
}

// EnvelopeSizeLimit returns the configured content size limit in the form
// the envelope codec takes it, with the disabled sentinel folded to zero.
func (c *Config) EnvelopeSizeLimit() int {
	if c.Debug.MaxEnvelopeSize < 0 {
		return 0
	}
	return c.Debug.MaxEnvelopeSize
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.fixup()

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
