package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr string `toml:"addr"`

	// empty keeps documents in memory
	RedisAddr    string `toml:"redis_addr"`
	RelayChannel string `toml:"relay_channel"`

	// empty disables the snapshot archive
	DatabaseURL      string        `toml:"database_url"`
	SnapshotInterval time.Duration `toml:"snapshot_interval"`

	MDNS        bool   `toml:"mdns"`
	ServiceName string `toml:"service_name"`

	WriteTimeout    time.Duration `toml:"write_timeout"`
	PongTimeout     time.Duration `toml:"pong_timeout"`
	MaxMessageBytes int64         `toml:"max_message_bytes"`
	SendBuffer      int           `toml:"send_buffer"`
}

func DefaultConfig() *Config {
	return &Config{
		Addr:             ":8081",
		RelayChannel:     "sharedb",
		SnapshotInterval: 5 * time.Second,
		ServiceName:      "_collabtext._tcp",
		WriteTimeout:     10 * time.Second,
		PongTimeout:      60 * time.Second,
		MaxMessageBytes:  1 << 20,
		SendBuffer:       256,
	}
}

// LoadConfig reads the toml file at path over the defaults, then applies the
// environment. An empty path only applies the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("COLLABTEXT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		errs = append(errs, fmt.Errorf("addr %q: %w", c.Addr, err))
	}
	if c.RedisAddr != "" && c.RelayChannel == "" {
		errs = append(errs, errors.New("relay_channel is required with redis"))
	}
	if c.DatabaseURL != "" && c.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("snapshot_interval must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.PongTimeout <= 0 {
		errs = append(errs, errors.New("pong_timeout must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max_message_bytes must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// Port is the numeric port of Addr, for mdns registration.
func (c *Config) Port() (int, error) {
	_, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return 0, err
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0, err
	}
	return p, nil
}
