package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds leadflow process configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	GraphPath    string `json:"graph_path"`
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	HistoryLimit int    `json:"history_limit"`
	StepTimeout  string `json:"step_timeout"` // Go duration; empty means no default timeout
	Schedule     string `json:"schedule"`     // cron expression for serve/schedule
	ResultsPath  string `json:"results_path"` // JSON results file written after a run
	HTTPAddr     string `json:"http_addr"`    // panel listen address for serve; empty disables it
	OTel         bool   `json:"otel"`
}

func defaultConfig() Config {
	return Config{
		GraphPath:    "pipeline.yaml",
		DBPath:       filepath.Join(leadflowDir(), "leadflow.db"),
		LogLevel:     "info",
		HistoryLimit: 100,
	}
}

func leadflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".leadflow"
	}
	return filepath.Join(home, ".leadflow")
}

func settingsPath() string {
	return filepath.Join(leadflowDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.LookupEnv)
}

// loadConfigFrom layers settings file and environment over the defaults.
// A missing or unreadable settings file is ignored.
func loadConfigFrom(path string, lookup func(string) (string, bool)) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	env := func(name string) (string, bool) {
		v, ok := lookup(name)
		return v, ok && v != ""
	}
	if v, ok := env("LEADFLOW_GRAPH_PATH"); ok {
		cfg.GraphPath = v
	}
	if v, ok := env("LEADFLOW_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := env("LEADFLOW_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := env("LEADFLOW_HISTORY_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryLimit = n
		}
	}
	if v, ok := env("LEADFLOW_STEP_TIMEOUT"); ok {
		cfg.StepTimeout = v
	}
	if v, ok := env("LEADFLOW_SCHEDULE"); ok {
		cfg.Schedule = v
	}
	if v, ok := env("LEADFLOW_RESULTS_PATH"); ok {
		cfg.ResultsPath = v
	}
	if v, ok := env("LEADFLOW_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := env("LEADFLOW_OTEL"); ok {
		cfg.OTel = v == "true" || v == "1"
	}

	return cfg
}

// stepTimeout parses StepTimeout. Empty is zero.
func (c Config) stepTimeout() (time.Duration, error) {
	if c.StepTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StepTimeout)
	if err != nil {
		return 0, fmt.Errorf("step_timeout %q: %w", c.StepTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("step_timeout %q is negative", c.StepTimeout)
	}
	return d, nil
}

// storeDSN turns DBPath into a libsql DSN. Remote URLs pass through.
func (c Config) storeDSN() string {
	switch {
	case c.DBPath == "":
		return ""
	case hasScheme(c.DBPath):
		return c.DBPath
	default:
		return "file:" + c.DBPath
	}
}

func hasScheme(s string) bool {
	for _, p := range []string{"file:", "libsql://", "http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
