package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all cadence server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	BackendURL      string `json:"backend_url"`
	BackendToken    string `json:"backend_token"`
	CopilotURL      string `json:"copilot_url"`
	CopilotToken    string `json:"copilot_token"`
	SlackWebhookURL string `json:"slack_webhook_url"`
	Scheduler       bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(cadenceDir(), "cadence.db"),
		LogLevel:   "info",
		Scheduler:  true,
	}
}

func cadenceDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cadence"
	}
	return filepath.Join(home, ".cadence")
}

func settingsPath() string {
	return filepath.Join(cadenceDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CADENCE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CADENCE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CADENCE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CADENCE_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("CADENCE_BACKEND_TOKEN"); v != "" {
		cfg.BackendToken = v
	}
	if v := os.Getenv("CADENCE_COPILOT_URL"); v != "" {
		cfg.CopilotURL = v
	}
	if v := os.Getenv("CADENCE_COPILOT_TOKEN"); v != "" {
		cfg.CopilotToken = v
	}
	if v := os.Getenv("CADENCE_SLACK_WEBHOOK_URL"); v != "" {
		cfg.SlackWebhookURL = v
	}
	if v := os.Getenv("CADENCE_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
