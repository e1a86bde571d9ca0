package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a Burrow worker.
type Config struct {
	Worker        WorkerConfig        `yaml:"worker"`
	Master        MasterConfig        `yaml:"master"`
	Session       SessionConfig       `yaml:"session"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// WorkerConfig configures the worker's servers and storage.
type WorkerConfig struct {
	// Host to advertise to the master and clients. Empty means the
	// OS hostname.
	Host string `yaml:"host" env:"BURROW_HOST"`
	// RPCPort is the control-plane port. 0 binds an ephemeral port.
	RPCPort int `yaml:"rpcPort" env:"BURROW_RPC_PORT"`
	// DataPort is the data-plane port. 0 binds an ephemeral port.
	DataPort int `yaml:"dataPort" env:"BURROW_DATA_PORT"`
	// DataDir is the root under which per-worker state lives.
	DataDir       string `yaml:"dataDir" env:"BURROW_DATA_DIR"`
	CapacityBytes int64  `yaml:"capacityBytes" env:"BURROW_CAPACITY_BYTES"`
	// MinHandlers/MaxHandlers bound the control-plane handler pool.
	// MinHandlers <= 0 means the number of available processors.
	MinHandlers int `yaml:"minHandlers" env:"BURROW_MIN_HANDLERS"`
	MaxHandlers int `yaml:"maxHandlers" env:"BURROW_MAX_HANDLERS"`
}

// MasterConfig configures communication with the cluster master.
type MasterConfig struct {
	Addr                string `yaml:"addr" env:"BURROW_MASTER_ADDR"`
	HeartbeatIntervalMs int64  `yaml:"heartbeatIntervalMs" env:"BURROW_HEARTBEAT_INTERVAL_MS"`
	PinListIntervalMs   int64  `yaml:"pinListIntervalMs" env:"BURROW_PINLIST_INTERVAL_MS"`
	CallTimeoutMs       int64  `yaml:"callTimeoutMs" env:"BURROW_MASTER_CALL_TIMEOUT_MS"`
}

// SessionConfig configures session lifetime and reaping.
type SessionConfig struct {
	TTLMs          int64 `yaml:"ttlMs" env:"BURROW_SESSION_TTL_MS"`
	ReapIntervalMs int64 `yaml:"reapIntervalMs" env:"BURROW_SESSION_REAP_INTERVAL_MS"`
}

// ObservabilityConfig configures logging and the debug HTTP server.
type ObservabilityConfig struct {
	WebAddr   string `yaml:"webAddr" env:"BURROW_WEB_ADDR"`
	LogLevel  string `yaml:"logLevel" env:"BURROW_LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"BURROW_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			RPCPort:       29998,
			DataPort:      29999,
			DataDir:       "./burrow-data",
			CapacityBytes: 1 << 30, // 1GiB
			MaxHandlers:   128,
		},
		Master: MasterConfig{
			Addr:                "localhost:19998",
			HeartbeatIntervalMs: 1000,
			PinListIntervalMs:   1000,
			CallTimeoutMs:       10000,
		},
		Session: SessionConfig{
			TTLMs:          10000,
			ReapIntervalMs: 1000,
		},
		Observability: ObservabilityConfig{
			WebAddr:   ":30000",
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads configuration from a YAML file, layered over Default and
// under environment variable overrides. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from BURROW_* environment variables.
func (c *Config) applyEnv() {
	envString(&c.Worker.Host, "BURROW_HOST")
	envInt(&c.Worker.RPCPort, "BURROW_RPC_PORT")
	envInt(&c.Worker.DataPort, "BURROW_DATA_PORT")
	envString(&c.Worker.DataDir, "BURROW_DATA_DIR")
	envInt64(&c.Worker.CapacityBytes, "BURROW_CAPACITY_BYTES")
	envInt(&c.Worker.MinHandlers, "BURROW_MIN_HANDLERS")
	envInt(&c.Worker.MaxHandlers, "BURROW_MAX_HANDLERS")
	envString(&c.Master.Addr, "BURROW_MASTER_ADDR")
	envInt64(&c.Master.HeartbeatIntervalMs, "BURROW_HEARTBEAT_INTERVAL_MS")
	envInt64(&c.Master.PinListIntervalMs, "BURROW_PINLIST_INTERVAL_MS")
	envInt64(&c.Master.CallTimeoutMs, "BURROW_MASTER_CALL_TIMEOUT_MS")
	envInt64(&c.Session.TTLMs, "BURROW_SESSION_TTL_MS")
	envInt64(&c.Session.ReapIntervalMs, "BURROW_SESSION_REAP_INTERVAL_MS")
	envString(&c.Observability.WebAddr, "BURROW_WEB_ADDR")
	envString(&c.Observability.LogLevel, "BURROW_LOG_LEVEL")
	envString(&c.Observability.LogFormat, "BURROW_LOG_FORMAT")
}

// Validate checks for configuration values the worker cannot start with.
func (c *Config) Validate() error {
	if c.Master.Addr == "" {
		return fmt.Errorf("master.addr must not be empty")
	}
	if c.Worker.CapacityBytes <= 0 {
		return fmt.Errorf("worker.capacityBytes must be positive, got %d", c.Worker.CapacityBytes)
	}
	if c.Worker.RPCPort < 0 || c.Worker.RPCPort > 65535 {
		return fmt.Errorf("worker.rpcPort out of range: %d", c.Worker.RPCPort)
	}
	if c.Worker.DataPort < 0 || c.Worker.DataPort > 65535 {
		return fmt.Errorf("worker.dataPort out of range: %d", c.Worker.DataPort)
	}
	if c.Worker.DataDir == "" {
		return fmt.Errorf("worker.dataDir must not be empty")
	}
	if c.Master.HeartbeatIntervalMs <= 0 || c.Master.PinListIntervalMs <= 0 {
		return fmt.Errorf("master sync intervals must be positive")
	}
	if c.Session.TTLMs <= 0 || c.Session.ReapIntervalMs <= 0 {
		return fmt.Errorf("session ttl and reap interval must be positive")
	}
	return nil
}

// HeartbeatInterval returns the master heartbeat period.
func (c *MasterConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// PinListInterval returns the pin list fetch period.
func (c *MasterConfig) PinListInterval() time.Duration {
	return time.Duration(c.PinListIntervalMs) * time.Millisecond
}

// CallTimeout returns the per-call timeout for master RPCs.
func (c *MasterConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// TTL returns the session idle timeout.
func (c *SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// ReapInterval returns the session reaper period.
func (c *SessionConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalMs) * time.Millisecond
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
