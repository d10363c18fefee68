// SPDX-License-Identifier: MIT

// Package config loads and validates the bridge YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration validation failures.
var ErrInvalid = errors.New("invalid config")

var (
	allowedPeriods  = map[string]bool{"1m": true, "1h": true, "1d": true}
	allowedModes    = map[string]bool{"close_only": true, "forming_and_close": true}
	allowedQMTModes = map[string]bool{"none": true, "legacy": true}
)

// QMTSection selects the vendor adapter.
type QMTSection struct {
	Mode     string `yaml:"mode"`     // none | legacy
	Token    string `yaml:"token"`    // gateway auth token (legacy mode)
	Endpoint string `yaml:"endpoint"` // gateway base URL (legacy mode)
}

// RedisSection configures the bus connection and the fanout topic.
// Either URL or the discrete fields may be given; URL wins.
type RedisSection struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Topic    string `yaml:"topic"`
}

// Options resolves the section into go-redis client options.
func (r RedisSection) Options() (*redis.Options, error) {
	if r.URL != "" {
		opts, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis.url: %v", ErrInvalid, err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.Host, r.Port),
		Password: r.Password,
		DB:       r.DB,
	}, nil
}

// SubscriptionSection is the static subscription applied at startup.
type SubscriptionSection struct {
	Codes        []string `yaml:"codes"`
	Periods      []string `yaml:"periods"`
	Mode         string   `yaml:"mode"` // close_only | forming_and_close
	CloseDelayMS int      `yaml:"close_delay_ms"`
	PreloadDays  int      `yaml:"preload_days"`
}

// RotateSection is accepted for compatibility; rotation is handled by the
// process supervisor, not in-process.
type RotateSection struct {
	Enabled     bool `yaml:"enabled"`
	MaxBytes    int  `yaml:"max_bytes"`
	BackupCount int  `yaml:"backup_count"`
}

type LoggingSection struct {
	Level  string        `yaml:"level"`
	JSON   bool          `yaml:"json"`
	File   string        `yaml:"file"`
	Rotate RotateSection `yaml:"rotate"`
}

type ControlSection struct {
	Enabled          bool     `yaml:"enabled"`
	Channel          string   `yaml:"channel"`
	AckPrefix        string   `yaml:"ack_prefix"`
	RegistryPrefix   string   `yaml:"registry_prefix"`
	AcceptStrategies []string `yaml:"accept_strategies"`
}

type HealthSection struct {
	Enabled     bool   `yaml:"enabled"`
	KeyPrefix   string `yaml:"key_prefix"`
	IntervalSec int    `yaml:"interval_sec"`
	TTLSec      int    `yaml:"ttl_sec"`
	InstanceTag string `yaml:"instance_tag"`
}

type PublishSection struct {
	MaxRetries      int `yaml:"max_retries"`
	BackoffMS       int `yaml:"backoff_ms"`
	LateThresholdMS int `yaml:"late_threshold_ms"`
}

// MockSection enables the synthetic bar feeder (demo/testing).
type MockSection struct {
	Enabled    bool    `yaml:"enabled"`
	IntervalMS int     `yaml:"interval_ms"`
	StartPrice float64 `yaml:"start_price"`
}

// OpsSection configures the optional ops HTTP listener (/metrics, /healthz).
type OpsSection struct {
	Listen string `yaml:"listen"`
}

type Config struct {
	QMT          QMTSection          `yaml:"qmt"`
	Redis        RedisSection        `yaml:"redis"`
	Subscription SubscriptionSection `yaml:"subscription"`
	Logging      LoggingSection      `yaml:"logging"`
	Control      ControlSection      `yaml:"control"`
	Health       HealthSection       `yaml:"health"`
	Publish      PublishSection      `yaml:"publish"`
	Mock         MockSection         `yaml:"mock"`
	Ops          OpsSection          `yaml:"ops"`
}

// Default returns a Config carrying the documented defaults.
func Default() Config {
	return Config{
		QMT: QMTSection{Mode: "none"},
		Redis: RedisSection{
			Host:  "127.0.0.1",
			Port:  6379,
			Topic: "xt:topic:bar",
		},
		Subscription: SubscriptionSection{
			Periods:      []string{"1m"},
			Mode:         "close_only",
			CloseDelayMS: 100,
			PreloadDays:  3,
		},
		Logging: LoggingSection{Level: "info", JSON: true},
		Control: ControlSection{
			Channel:        "xt:bridge:control",
			AckPrefix:      "xt:bridge:ack",
			RegistryPrefix: "xt:bridge",
		},
		Health: HealthSection{
			KeyPrefix:   "xt:bridge:health",
			IntervalSec: 5,
			TTLSec:      20,
		},
		Publish: PublishSection{
			MaxRetries:      3,
			BackoffMS:       200,
			LateThresholdMS: 3000,
		},
		Mock: MockSection{IntervalMS: 1000, StartPrice: 2.5},
	}
}

// Load reads the YAML file at path into a Config with defaults applied.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks enum fields and section ranges.
func (c *Config) Validate() error {
	c.QMT.Mode = strings.ToLower(strings.TrimSpace(c.QMT.Mode))
	if !allowedQMTModes[c.QMT.Mode] {
		return fmt.Errorf("%w: qmt.mode %q (want none|legacy)", ErrInvalid, c.QMT.Mode)
	}
	if c.QMT.Mode == "legacy" && c.QMT.Endpoint == "" {
		return fmt.Errorf("%w: qmt.endpoint required in legacy mode", ErrInvalid)
	}

	if c.Redis.URL == "" && c.Redis.Host == "" {
		return fmt.Errorf("%w: redis.url or redis.host required", ErrInvalid)
	}
	if _, err := c.Redis.Options(); err != nil {
		return err
	}
	if c.Redis.Topic == "" {
		return fmt.Errorf("%w: redis.topic required", ErrInvalid)
	}

	c.Subscription.Mode = strings.ToLower(strings.TrimSpace(c.Subscription.Mode))
	if !allowedModes[c.Subscription.Mode] {
		return fmt.Errorf("%w: subscription.mode %q", ErrInvalid, c.Subscription.Mode)
	}
	for _, p := range c.Subscription.Periods {
		if !allowedPeriods[p] {
			return fmt.Errorf("%w: subscription.periods contains %q (want 1m|1h|1d)", ErrInvalid, p)
		}
	}
	if c.Subscription.PreloadDays < 0 {
		return fmt.Errorf("%w: subscription.preload_days must be >= 0", ErrInvalid)
	}

	if c.Control.Enabled {
		if c.Control.Channel == "" || c.Control.AckPrefix == "" || c.Control.RegistryPrefix == "" {
			return fmt.Errorf("%w: control.channel/ack_prefix/registry_prefix required", ErrInvalid)
		}
	}

	if c.Health.Enabled {
		if c.Health.IntervalSec < 1 {
			return fmt.Errorf("%w: health.interval_sec must be >= 1", ErrInvalid)
		}
		if c.Health.TTLSec < 2*c.Health.IntervalSec {
			// TTL shorter than two intervals flaps on a single slow tick.
			c.Health.TTLSec = 2 * c.Health.IntervalSec
		}
	}

	if c.Publish.MaxRetries < 1 {
		return fmt.Errorf("%w: publish.max_retries must be >= 1", ErrInvalid)
	}
	if c.Publish.BackoffMS < 0 || c.Publish.LateThresholdMS < 0 {
		return fmt.Errorf("%w: publish backoff/late threshold must be >= 0", ErrInvalid)
	}

	if c.Mock.Enabled && c.Mock.IntervalMS < 1 {
		return fmt.Errorf("%w: mock.interval_ms must be >= 1", ErrInvalid)
	}
	return nil
}
