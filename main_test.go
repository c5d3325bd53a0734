package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"testing"

	"github.com/bosley/voxcall/config"
)

func parseOverrides(t *testing.T, args ...string) (*overrides, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("voxcall", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var o overrides
	o.register(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return &o, fs
}

func TestOverridesApplyOnlySetFlags(t *testing.T) {
	o, fs := parseOverrides(t, "-agent", "from-flag", "-log-level", "warn", "-vad", "3")

	cfg := config.Config{AgentID: "from-env", APIBaseURL: "https://api.example.com", LogLevel: "info", DeviceID: 2}
	o.apply(fs, &cfg)

	if cfg.AgentID != "from-flag" || cfg.LogLevel != "warn" || cfg.VADThreshold != 3 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.APIBaseURL != "https://api.example.com" || cfg.DeviceID != 2 {
		t.Errorf("unset flags overwrote config: %+v", cfg)
	}
}

func TestOverridesSurviveReload(t *testing.T) {
	o, fs := parseOverrides(t, "-log-level", "error")

	// A reloaded file that sets its own level.
	next := config.Config{LogLevel: "debug", AgentID: "reloaded"}
	o.apply(fs, &next)

	if next.LogLevel != "error" {
		t.Errorf("log level = %q, want the flag's value", next.LogLevel)
	}
	if next.AgentID != "reloaded" {
		t.Errorf("agent = %q, want the file's value", next.AgentID)
	}
}

func TestInterrupted(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"success", context.Background(), nil, false},
		{"failure", context.Background(), errors.New("dial failed"), false},
		{"signal during start", cancelled, context.Canceled, true},
		{"signal with no error", cancelled, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := interrupted(tt.ctx, tt.err); got != tt.want {
				t.Errorf("interrupted = %v, want %v", got, tt.want)
			}
		})
	}
}
