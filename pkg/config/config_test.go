package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 180*time.Second, cfg.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.SocketPollInterval)
	assert.Equal(t, 600, cfg.SocketPollAttempts)
	assert.Equal(t, 60*time.Second, cfg.SocketWaitBudget())
	assert.Equal(t, "booted", cfg.SnapshotTag)
	assert.True(t, cfg.PTY)
	assert.False(t, cfg.StrictSocketWait)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootsnap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
timeout: 5m
socket_poll_interval: 250ms
snapshot_tag: nixos-booted
strict_socket_wait: true
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Minute, cfg.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.SocketPollInterval)
	assert.Equal(t, "nixos-booted", cfg.SnapshotTag)
	assert.True(t, cfg.StrictSocketWait)
	// untouched keys keep their defaults
	assert.Equal(t, 180*time.Second, cfg.EOFTimeout)
	assert.Equal(t, 600, cfg.SocketPollAttempts)
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "no_such_key: 1\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "timeout: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"negative eof timeout", func(c *Config) { c.EOFTimeout = -time.Second }},
		{"zero poll interval", func(c *Config) { c.SocketPollInterval = 0 }},
		{"no poll attempts", func(c *Config) { c.SocketPollAttempts = 0 }},
		{"empty tag", func(c *Config) { c.SnapshotTag = "" }},
		{"tag with space", func(c *Config) { c.SnapshotTag = "a b" }},
		{"transcript without size", func(c *Config) { c.TranscriptFile = "boot.log"; c.TranscriptMaxSizeMB = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
