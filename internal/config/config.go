// SPDX-License-Identifier: MIT

// Package config provides configuration management for roomd.
//
// Precedence is ENV > file > defaults. The file is optional YAML; every
// option also has a ROOMD_* environment key so containerised deployments
// need no file at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusPolicy selects the event-bus behaviour for a slow subscriber.
type BusPolicy string

const (
	// BusDrop discards the event for the lagging subscriber.
	BusDrop BusPolicy = "drop"
	// BusBlock waits until the subscriber drains its buffer.
	BusBlock BusPolicy = "block"
)

// AppConfig is the fully resolved daemon configuration.
type AppConfig struct {
	RoomID   string
	LogLevel string

	// Serial link
	SerialPort     string
	SerialBaud     int
	CommandTimeout time.Duration

	// Heartbeat
	HeartbeatInterval time.Duration
	MissThreshold     int

	// Session controller
	TickInterval time.Duration

	// Storage
	DBPath string

	// Runtime access server
	AccessListen  string
	RoomSecret    string
	PresenceGrace time.Duration
	AuthPerSecond float64
	AuthBurst     int

	// Coordination HTTP API
	HTTPListen     string
	MetricsEnabled bool

	// Event bus
	BusBuffer int
	BusPolicy BusPolicy
}

// FileConfig is the YAML file shape. All fields are optional.
type FileConfig struct {
	RoomID   string `yaml:"roomId,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`

	Serial struct {
		Port           string `yaml:"port,omitempty"`
		Baud           int    `yaml:"baud,omitempty"`
		CommandTimeout string `yaml:"commandTimeout,omitempty"` // e.g. "5s"
	} `yaml:"serial,omitempty"`

	Heartbeat struct {
		Interval      string `yaml:"interval,omitempty"` // e.g. "1s"
		MissThreshold int    `yaml:"missThreshold,omitempty"`
	} `yaml:"heartbeat,omitempty"`

	Controller struct {
		TickInterval string `yaml:"tickInterval,omitempty"`
	} `yaml:"controller,omitempty"`

	DBPath string `yaml:"dbPath,omitempty"`

	Access struct {
		Listen        string  `yaml:"listen,omitempty"`
		Secret        string  `yaml:"secret,omitempty"`
		PresenceGrace string  `yaml:"presenceGrace,omitempty"`
		AuthPerSecond float64 `yaml:"authPerSecond,omitempty"`
		AuthBurst     int     `yaml:"authBurst,omitempty"`
	} `yaml:"access,omitempty"`

	API struct {
		Listen  string `yaml:"listen,omitempty"`
		Metrics *bool  `yaml:"metrics,omitempty"`
	} `yaml:"api,omitempty"`

	Bus struct {
		Buffer int    `yaml:"buffer,omitempty"`
		Policy string `yaml:"policy,omitempty"`
	} `yaml:"bus,omitempty"`
}

func defaults() AppConfig {
	return AppConfig{
		RoomID:            "room-01",
		LogLevel:          "info",
		SerialPort:        "/dev/ttyACM0",
		SerialBaud:        9600,
		CommandTimeout:    5 * time.Second,
		HeartbeatInterval: 1 * time.Second,
		MissThreshold:     3,
		TickInterval:      300 * time.Millisecond,
		DBPath:            "roomd.db",
		AccessListen:      ":9000",
		PresenceGrace:     30 * time.Second,
		AuthPerSecond:     1,
		AuthBurst:         5,
		HTTPListen:        ":8080",
		MetricsEnabled:    true,
		BusBuffer:         64,
		BusPolicy:         BusDrop,
	}
}

// Load resolves the configuration: defaults, then the optional YAML file at
// path, then ROOMD_* environment overrides, then validation.
func Load(path string) (AppConfig, error) {
	cfg := defaults()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return AppConfig{}, err
		}
	}
	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: invalid duration %q: %w", path, v, err)
		}
		*dst = d
		return nil
	}

	setStr(&cfg.RoomID, fc.RoomID)
	setStr(&cfg.LogLevel, fc.LogLevel)
	setStr(&cfg.SerialPort, fc.Serial.Port)
	if fc.Serial.Baud > 0 {
		cfg.SerialBaud = fc.Serial.Baud
	}
	if err := setDur(&cfg.CommandTimeout, fc.Serial.CommandTimeout); err != nil {
		return err
	}
	if err := setDur(&cfg.HeartbeatInterval, fc.Heartbeat.Interval); err != nil {
		return err
	}
	if fc.Heartbeat.MissThreshold > 0 {
		cfg.MissThreshold = fc.Heartbeat.MissThreshold
	}
	if err := setDur(&cfg.TickInterval, fc.Controller.TickInterval); err != nil {
		return err
	}
	setStr(&cfg.DBPath, fc.DBPath)
	setStr(&cfg.AccessListen, fc.Access.Listen)
	setStr(&cfg.RoomSecret, fc.Access.Secret)
	if err := setDur(&cfg.PresenceGrace, fc.Access.PresenceGrace); err != nil {
		return err
	}
	if fc.Access.AuthPerSecond > 0 {
		cfg.AuthPerSecond = fc.Access.AuthPerSecond
	}
	if fc.Access.AuthBurst > 0 {
		cfg.AuthBurst = fc.Access.AuthBurst
	}
	setStr(&cfg.HTTPListen, fc.API.Listen)
	if fc.API.Metrics != nil {
		cfg.MetricsEnabled = *fc.API.Metrics
	}
	if fc.Bus.Buffer > 0 {
		cfg.BusBuffer = fc.Bus.Buffer
	}
	if fc.Bus.Policy != "" {
		cfg.BusPolicy = BusPolicy(fc.Bus.Policy)
	}
	return nil
}

func mergeEnv(cfg *AppConfig) {
	cfg.RoomID = ParseString("ROOMD_ROOM_ID", cfg.RoomID)
	cfg.LogLevel = ParseString("ROOMD_LOG_LEVEL", cfg.LogLevel)
	cfg.SerialPort = ParseString("ROOMD_SERIAL_PORT", cfg.SerialPort)
	cfg.SerialBaud = ParseInt("ROOMD_SERIAL_BAUD", cfg.SerialBaud)
	cfg.CommandTimeout = ParseDuration("ROOMD_COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.HeartbeatInterval = ParseDuration("ROOMD_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.MissThreshold = ParseInt("ROOMD_HEARTBEAT_MISS_THRESHOLD", cfg.MissThreshold)
	cfg.TickInterval = ParseDuration("ROOMD_TICK_INTERVAL", cfg.TickInterval)
	cfg.DBPath = ParseString("ROOMD_DB_PATH", cfg.DBPath)
	cfg.AccessListen = ParseString("ROOMD_ACCESS_LISTEN", cfg.AccessListen)
	cfg.RoomSecret = ParseString("ROOMD_ROOM_SECRET", cfg.RoomSecret)
	cfg.PresenceGrace = ParseDuration("ROOMD_PRESENCE_GRACE", cfg.PresenceGrace)
	cfg.AuthPerSecond = ParseFloat("ROOMD_AUTH_PER_SECOND", cfg.AuthPerSecond)
	cfg.AuthBurst = ParseInt("ROOMD_AUTH_BURST", cfg.AuthBurst)
	cfg.HTTPListen = ParseString("ROOMD_HTTP_LISTEN", cfg.HTTPListen)
	cfg.MetricsEnabled = ParseBool("ROOMD_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.BusBuffer = ParseInt("ROOMD_BUS_BUFFER", cfg.BusBuffer)
	cfg.BusPolicy = BusPolicy(ParseString("ROOMD_BUS_POLICY", string(cfg.BusPolicy)))
}

// Validate rejects configurations the daemon cannot run with.
func (c AppConfig) Validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("config: roomId must not be empty")
	}
	if c.SerialPort == "" {
		return fmt.Errorf("config: serial.port must not be empty")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("config: serial.baud must be positive, got %d", c.SerialBaud)
	}
	if c.HeartbeatInterval < time.Second || c.HeartbeatInterval > 5*time.Second {
		return fmt.Errorf("config: heartbeat.interval must be between 1s and 5s, got %s", c.HeartbeatInterval)
	}
	if c.MissThreshold <= 0 {
		return fmt.Errorf("config: heartbeat.missThreshold must be positive, got %d", c.MissThreshold)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("config: serial.commandTimeout must be positive, got %s", c.CommandTimeout)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: controller.tickInterval must be positive, got %s", c.TickInterval)
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: dbPath must not be empty")
	}
	if c.AuthPerSecond <= 0 {
		return fmt.Errorf("config: access.authPerSecond must be positive, got %g", c.AuthPerSecond)
	}
	if c.AuthBurst <= 0 {
		return fmt.Errorf("config: access.authBurst must be positive, got %d", c.AuthBurst)
	}
	if c.BusBuffer <= 0 {
		return fmt.Errorf("config: bus.buffer must be positive, got %d", c.BusBuffer)
	}
	switch c.BusPolicy {
	case BusDrop, BusBlock:
	default:
		return fmt.Errorf("config: bus.policy must be %q or %q, got %q", BusDrop, BusBlock, c.BusPolicy)
	}
	return nil
}
