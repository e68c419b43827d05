// Package config loads the TOML configuration of a hookbus session and
// watches it for changes.
//
// Example:
//
//	log_level = "debug"
//	module = "game.exe"
//	metrics_addr = ":9090"
//	features = ["tick", "object_damage"]
//	scripts = ["scripts/godmode.lua"]
//
//	[debug]
//	tick = true
//
//	[[signature]]
//	name = "tick"
//	pattern = "B8 01 00 00 00 A1 ?? ?? ?? ?? E8 ?? ?? ?? ?? 90 90"
//	offset = 10
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/0xffffa/hookbus/signature"
)

// ErrInvalidConfig is matched by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the session configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// Module is the module signatures are resolved in. Empty selects the
	// main executable.
	Module string `toml:"module"`

	// MetricsAddr, if set, serves Prometheus metrics on /metrics.
	MetricsAddr string `toml:"metrics_addr"`

	// Features lists the features to enable. Empty enables all of them.
	Features []string `toml:"features"`

	// Debug toggles the debug listener per event name.
	Debug map[string]bool `toml:"debug"`

	// Scripts are Lua files loaded at startup.
	Scripts []string `toml:"scripts"`

	// Signatures extend or override the default signature table.
	Signatures []Signature `toml:"signature"`
}

// Signature is a signature table entry.
type Signature struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
	Match   int    `toml:"match"`
	Offset  int    `toml:"offset"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Debug:    map[string]bool{},
	}
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse decodes TOML data on top of the defaults and validates the result.
// source names the data in errors.
func Parse(source string, data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, newParseError(source, err)
	}
	if cfg.Debug == nil {
		cfg.Debug = map[string]bool{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Signatures))
	for i, s := range c.Signatures {
		if s.Name == "" {
			return fmt.Errorf("%w: signature %d has no name", ErrInvalidConfig, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: signature %s listed twice", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = true
		if _, err := signature.ParsePattern(s.Pattern); err != nil {
			return fmt.Errorf("%w: signature %s: %w", ErrInvalidConfig, s.Name, err)
		}
		if s.Match < 0 {
			return fmt.Errorf("%w: signature %s: negative match index", ErrInvalidConfig, s.Name)
		}
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
	}
}

// Definitions converts the signature entries for a signature.Store.
func (c *Config) Definitions() []signature.Definition {
	defs := make([]signature.Definition, len(c.Signatures))
	for i, s := range c.Signatures {
		defs[i] = signature.Definition{Name: s.Name, Pattern: s.Pattern, Match: s.Match, Offset: s.Offset}
	}
	return defs
}

// FeatureEnabled reports whether name is selected by Features.
func (c *Config) FeatureEnabled(name string) bool {
	if len(c.Features) == 0 {
		return true
	}
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func newParseError(path string, err error) *ParseError {
	pe := &ParseError{Path: path, Message: err.Error(), Err: err}
	var de *toml.DecodeError
	if errors.As(err, &de) {
		pe.Line, pe.Column = de.Position()
	}
	return pe
}

func (e *ParseError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
