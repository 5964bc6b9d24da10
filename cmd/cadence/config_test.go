package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Scheduler)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CADENCE_LISTEN_ADDR", ":9999")
	t.Setenv("CADENCE_LOG_LEVEL", "debug")
	t.Setenv("CADENCE_BACKEND_URL", "https://backend.example.com")
	t.Setenv("CADENCE_COPILOT_URL", "https://copilot.example.com")
	t.Setenv("CADENCE_SCHEDULER", "false")

	cfg := loadConfig()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://backend.example.com", cfg.BackendURL)
	assert.Equal(t, "https://copilot.example.com", cfg.CopilotURL)
	assert.False(t, cfg.Scheduler)
}
