// Package config loads voxcall settings from VOXCALL_* environment variables
// and an optional JSON file, and watches that file for changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Call client
	APIBaseURL     string   `json:"api_base_url"`
	SessionPath    string   `json:"session_path"`
	AgentID        string   `json:"agent_id"`
	Token          string   `json:"-"` // Environment only
	Timeslice      Duration `json:"timeslice"`
	SilenceTimeout Duration `json:"silence_timeout"`
	ConnectTimeout Duration `json:"connect_timeout"`
	DeviceID       int      `json:"device_id"`
	VADThreshold   float64  `json:"vad_threshold"`
	ControlAddr    string   `json:"control_addr"`

	// Loopback server
	ServeAddr     string `json:"serve_addr"`
	RecordingsDir string `json:"recordings_dir"`
	WhisperPath   string `json:"whisper_path"`
	WhisperModel  string `json:"whisper_model"`

	LogLevel    string `json:"log_level"`
	SentryDSN   string `json:"-"`
	Environment string `json:"environment"`
}

// Duration is a time.Duration that reads and writes as "400ms" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"400ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// LoadFromEnv reads every setting from the environment, falling back to
// defaults. Malformed durations and numbers keep their default.
func LoadFromEnv() Config {
	return Config{
		APIBaseURL:     getenv("VOXCALL_API", "https://localhost:8443"),
		SessionPath:    getenv("VOXCALL_SESSION_PATH", "/v1/call-sessions"),
		AgentID:        getenv("VOXCALL_AGENT", ""),
		Token:          getenv("VOXCALL_TOKEN", ""),
		Timeslice:      getenvDuration("VOXCALL_TIMESLICE", 400*time.Millisecond),
		SilenceTimeout: getenvDuration("VOXCALL_SILENCE", 800*time.Millisecond),
		ConnectTimeout: getenvDuration("VOXCALL_CONNECT_TIMEOUT", 0),
		DeviceID:       getenvInt("VOXCALL_DEVICE", 0),
		VADThreshold:   getenvFloat("VOXCALL_VAD_THRESHOLD", 0),
		ControlAddr:    getenv("VOXCALL_CONTROL_ADDR", ""),

		ServeAddr:     getenv("VOXCALL_SERVE_ADDR", "localhost:8443"),
		RecordingsDir: getenv("VOXCALL_RECORDINGS", ""),
		WhisperPath:   getenv("VOXCALL_WHISPER", ""),
		WhisperModel:  getenv("VOXCALL_WHISPER_MODEL", ""),

		LogLevel:    getenv("VOXCALL_LOG_LEVEL", "info"),
		SentryDSN:   getenv("SENTRY_DSN", ""),
		Environment: getenv("ENVIRONMENT", "development"),
	}
}

// Load reads the environment and overlays the JSON file at path, if any.
func Load(path string) (Config, error) {
	cfg := LoadFromEnv()
	if path == "" {
		return cfg, nil
	}
	return LoadFile(path, cfg)
}

// LoadFile overlays the JSON file at path onto base. Keys missing from the
// file keep base's value.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("api base url %q must be an http(s) origin", c.APIBaseURL))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Timeslice < 0 || c.SilenceTimeout < 0 || c.ConnectTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.DeviceID < 0 {
		errs = append(errs, fmt.Errorf("device id %d is negative", c.DeviceID))
	}
	if c.VADThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad threshold %v is negative", c.VADThreshold))
	}
	if (c.WhisperPath == "") != (c.WhisperModel == "") {
		errs = append(errs, errors.New("whisper path and model must be set together"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return Duration(def)
}

func getenvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
