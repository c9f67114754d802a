package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/auctionhouse/go/internal/auction/gateway"
	"github.com/mcdev12/auctionhouse/go/internal/auction/registry"
)

// Config is the engine config file. Zero values fall back to the package defaults.
type Config struct {
	Storage string `yaml:"storage"` // postgres | memory

	Room struct {
		SoftCloseThreshold time.Duration `yaml:"soft_close_threshold"`
		ReopenWindow       time.Duration `yaml:"reopen_window"`
		RecentBids         int           `yaml:"recent_bids"`
		InboxSize          int           `yaml:"inbox_size"`
		PersistAttempts    int           `yaml:"persist_attempts"`
		PersistBackoff     time.Duration `yaml:"persist_backoff"`
		ReconnectGrace     time.Duration `yaml:"reconnect_grace"`
	} `yaml:"room"`

	Registry struct {
		EvictionGrace time.Duration `yaml:"eviction_grace"`
		Lookahead     time.Duration `yaml:"lookahead"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		PollLimit     int           `yaml:"poll_limit"`
		Workers       int           `yaml:"workers"`
		SettleRetry   time.Duration `yaml:"settle_retry"`
	} `yaml:"registry"`

	Gateway struct {
		SendBuffer     int           `yaml:"send_buffer"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		MaxMessageSize int64         `yaml:"max_message_size"`
	} `yaml:"gateway"`

	Identity struct {
		Header string            `yaml:"header"`
		Tokens map[string]string `yaml:"tokens"` // token -> user id
	} `yaml:"identity"`

	Listing struct {
		ConsumeEvents bool   `yaml:"consume_events"`
		Stream        string `yaml:"stream"`
	} `yaml:"listing"`

	Outbox struct {
		EmitQueue int `yaml:"emit_queue"`
	} `yaml:"outbox"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// loadConfig reads the config file at path. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		config.Storage = "postgres"
		return &config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.Storage == "" {
		config.Storage = "postgres"
	}
	if config.Storage != "postgres" && config.Storage != "memory" {
		return nil, fmt.Errorf("unknown storage %q", config.Storage)
	}
	return &config, nil
}

// registryConfig overlays the file settings on the registry defaults.
func (c *Config) registryConfig() registry.Config {
	cfg := registry.DefaultConfig()

	setDuration(&cfg.Room.Arbiter.SoftCloseThreshold, c.Room.SoftCloseThreshold)
	setDuration(&cfg.Room.Arbiter.ReopenWindow, c.Room.ReopenWindow)
	setInt(&cfg.Room.RecentBids, c.Room.RecentBids)
	setInt(&cfg.Room.InboxSize, c.Room.InboxSize)
	setInt(&cfg.Room.PersistAttempts, c.Room.PersistAttempts)
	setDuration(&cfg.Room.PersistBackoff, c.Room.PersistBackoff)
	setDuration(&cfg.Room.ReconnectGrace, c.Room.ReconnectGrace)

	setDuration(&cfg.EvictionGrace, c.Registry.EvictionGrace)
	setDuration(&cfg.Lookahead, c.Registry.Lookahead)
	setDuration(&cfg.PollInterval, c.Registry.PollInterval)
	setInt(&cfg.PollLimit, c.Registry.PollLimit)
	setInt(&cfg.Workers, c.Registry.Workers)
	setDuration(&cfg.SettleRetry, c.Registry.SettleRetry)
	return cfg
}

func (c *Config) gatewayConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	setInt(&cfg.ConnectionConfig.SendBuffer, c.Gateway.SendBuffer)
	setDuration(&cfg.ConnectionConfig.PingInterval, c.Gateway.PingInterval)
	if c.Gateway.MaxMessageSize > 0 {
		cfg.ConnectionConfig.MaxMessageSize = c.Gateway.MaxMessageSize
	}
	return cfg
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
