package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig holds everything the server needs at startup. Values come from
// environment variables, optionally overridden by a YAML file (CONFIG_FILE).
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	RedisURL      string `yaml:"redis_url"`
	DatabaseURL   string `yaml:"database_url"`
	RatingBaseURL string `yaml:"rating_base_url"`

	DefaultTotalEnds int `yaml:"default_total_ends"`

	PingIntervalSec   int `yaml:"ping_interval_sec"`
	MaxMissedPings    int `yaml:"max_missed_pings"`
	GracePeriodSec    int `yaml:"grace_period_sec"`
	HardPeriodSec     int `yaml:"hard_period_sec"`
	RoomTTLMin        int `yaml:"room_ttl_min"`
	InviteTTLSec      int `yaml:"invite_ttl_sec"`
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
	SendQueueCapacity int `yaml:"send_queue_capacity"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:        ":8090",
		DefaultTotalEnds:  8,
		PingIntervalSec:   30,
		MaxMissedPings:    6,
		GracePeriodSec:    30,
		HardPeriodSec:     120,
		RoomTTLMin:        10,
		InviteTTLSec:      90,
		SweepIntervalSec:  30,
		SendQueueCapacity: 64,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = envDefault("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = envDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RatingBaseURL = envDefault("RATING_BASE_URL", cfg.RatingBaseURL)

	intEnv("DEFAULT_TOTAL_ENDS", &cfg.DefaultTotalEnds)
	intEnv("PING_INTERVAL_SEC", &cfg.PingIntervalSec)
	intEnv("MAX_MISSED_PINGS", &cfg.MaxMissedPings)
	intEnv("GRACE_PERIOD_SEC", &cfg.GracePeriodSec)
	intEnv("HARD_PERIOD_SEC", &cfg.HardPeriodSec)
	intEnv("ROOM_TTL_MIN", &cfg.RoomTTLMin)
	intEnv("INVITE_TTL_SEC", &cfg.InviteTTLSec)
	intEnv("SWEEP_INTERVAL_SEC", &cfg.SweepIntervalSec)
	intEnv("SEND_QUEUE_CAPACITY", &cfg.SendQueueCapacity)

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return nil, errors.New("LISTEN_ADDR is required")
	}
	if cfg.DefaultTotalEnds < 1 {
		return nil, errors.New("DEFAULT_TOTAL_ENDS must be positive")
	}
	if cfg.GracePeriodSec < 1 || cfg.HardPeriodSec < 1 {
		return nil, errors.New("grace/hard periods must be positive")
	}

	return cfg, nil
}

func (c *AppConfig) PingInterval() time.Duration  { return time.Duration(c.PingIntervalSec) * time.Second }
func (c *AppConfig) GracePeriod() time.Duration   { return time.Duration(c.GracePeriodSec) * time.Second }
func (c *AppConfig) HardPeriod() time.Duration    { return time.Duration(c.HardPeriodSec) * time.Second }
func (c *AppConfig) RoomTTL() time.Duration       { return time.Duration(c.RoomTTLMin) * time.Minute }
func (c *AppConfig) InviteTTL() time.Duration     { return time.Duration(c.InviteTTLSec) * time.Second }
func (c *AppConfig) SweepInterval() time.Duration { return time.Duration(c.SweepIntervalSec) * time.Second }

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
