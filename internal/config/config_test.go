// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "room-01", cfg.RoomID)
	assert.Equal(t, "/dev/ttyACM0", cfg.SerialPort)
	assert.Equal(t, 9600, cfg.SerialBaud)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 3, cfg.MissThreshold)
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, BusDrop, cfg.BusPolicy)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, float64(1), cfg.AuthPerSecond)
	assert.Equal(t, 5, cfg.AuthBurst)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
roomId: lab-7
serial:
  port: /dev/ttyUSB0
  baud: 115200
heartbeat:
  interval: 2s
  missThreshold: 5
access:
  listen: ":9100"
  secret: s3cret
  authPerSecond: 2.5
  authBurst: 10
api:
  metrics: false
bus:
  policy: block
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lab-7", cfg.RoomID)
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	assert.Equal(t, 115200, cfg.SerialBaud)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.MissThreshold)
	assert.Equal(t, ":9100", cfg.AccessListen)
	assert.Equal(t, "s3cret", cfg.RoomSecret)
	assert.Equal(t, 2.5, cfg.AuthPerSecond)
	assert.Equal(t, 10, cfg.AuthBurst)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, BusBlock, cfg.BusPolicy)

	// Untouched keys keep their defaults.
	assert.Equal(t, "roomd.db", cfg.DBPath)
	assert.Equal(t, ":8080", cfg.HTTPListen)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roomId: from-file\n"), 0o600))

	t.Setenv("ROOMD_ROOM_ID", "from-env")
	t.Setenv("ROOMD_HEARTBEAT_INTERVAL", "3s")
	t.Setenv("ROOMD_SERIAL_BAUD", "57600")
	t.Setenv("ROOMD_AUTH_PER_SECOND", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.RoomID)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 57600, cfg.SerialBaud)
	assert.Equal(t, 0.5, cfg.AuthPerSecond)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := defaults()
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"empty room id", func(c *AppConfig) { c.RoomID = "" }},
		{"empty serial port", func(c *AppConfig) { c.SerialPort = "" }},
		{"zero baud", func(c *AppConfig) { c.SerialBaud = 0 }},
		{"heartbeat too short", func(c *AppConfig) { c.HeartbeatInterval = 500 * time.Millisecond }},
		{"heartbeat too long", func(c *AppConfig) { c.HeartbeatInterval = 10 * time.Second }},
		{"zero miss threshold", func(c *AppConfig) { c.MissThreshold = 0 }},
		{"zero command timeout", func(c *AppConfig) { c.CommandTimeout = 0 }},
		{"zero tick", func(c *AppConfig) { c.TickInterval = 0 }},
		{"empty db path", func(c *AppConfig) { c.DBPath = "" }},
		{"zero auth rate", func(c *AppConfig) { c.AuthPerSecond = 0 }},
		{"zero auth burst", func(c *AppConfig) { c.AuthBurst = 0 }},
		{"zero bus buffer", func(c *AppConfig) { c.BusBuffer = 0 }},
		{"bad bus policy", func(c *AppConfig) { c.BusPolicy = "spill" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
