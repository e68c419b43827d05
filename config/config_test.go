package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
log_level = "debug"
module = "game.exe"
metrics_addr = ":9090"
features = ["tick", "object_damage"]
scripts = ["godmode.lua"]

[debug]
tick = true
camera = false

[[signature]]
name = "tick"
pattern = "B8 01 00 00 00 A1 ?? ?? ?? ?? E8 ?? ?? ?? ?? 90 90"
offset = 10

[[signature]]
name = "tick_counter"
pattern = "E8 ?? ?? ?? ?? 90 90"
match = 1
`

func TestParse(t *testing.T) {
	cfg, err := Parse("sample", []byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SlogLevel() != slog.LevelDebug || cfg.Module != "game.exe" || cfg.MetricsAddr != ":9090" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Debug["tick"] || cfg.Debug["camera"] {
		t.Errorf("Debug = %v", cfg.Debug)
	}
	if !cfg.FeatureEnabled("tick") || cfg.FeatureEnabled("frame") {
		t.Errorf("Features = %v", cfg.Features)
	}

	defs := cfg.Definitions()
	if len(defs) != 2 || defs[0].Offset != 10 || defs[1].Match != 1 || defs[1].Name != "tick_counter" {
		t.Errorf("Definitions = %+v", defs)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" || len(cfg.Features) != 0 || cfg.Debug == nil {
		t.Errorf("defaults = %+v", cfg)
	}
	if !cfg.FeatureEnabled("anything") {
		t.Error("empty feature list should enable everything")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		parse   bool
		invalid bool
	}{
		{"syntax", "log_level = \n", true, false},
		{"unknown field", "colour = \"red\"\n", true, false},
		{"log level", "log_level = \"loud\"\n", false, true},
		{"bad pattern", "[[signature]]\nname = \"x\"\npattern = \"?? 90\"\n", false, true},
		{"no name", "[[signature]]\npattern = \"90\"\n", false, true},
		{"duplicate", "[[signature]]\nname = \"x\"\npattern = \"90\"\n[[signature]]\nname = \"x\"\npattern = \"91\"\n", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.toml", []byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *ParseError
			if got := errors.As(err, &pe); got != tt.parse {
				t.Errorf("ParseError = %v, want %v (%v)", got, tt.parse, err)
			}
			if got := errors.Is(err, ErrInvalidConfig); got != tt.invalid {
				t.Errorf("ErrInvalidConfig = %v, want %v (%v)", got, tt.invalid, err)
			}
		})
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse("test.toml", []byte("module = \"a\"\nlog_level = \n"))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Line != 2 || pe.Path != "test.toml" {
		t.Errorf("ParseError = %+v", pe)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookbus.toml")
	if err := os.WriteFile(path, []byte("log_level = \"info\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 8)
	if err := Watch(ctx, path, func(cfg *Config, err error) {
		if err == nil {
			select {
			case got <- cfg:
			default:
			}
		}
	}); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("log_level = \"error\"\n[debug]\ntick = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-got:
			if cfg.SlogLevel() == slog.LevelError && cfg.Debug["tick"] {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
