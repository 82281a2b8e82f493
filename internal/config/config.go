package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string // EXCHANGE_DATABASE_URL (required)
	BrokerURL   string // EXCHANGE_BROKER_URL (required)
	SecretKey   string // EXCHANGE_SECRET_KEY (required)
	AdminToken  string // EXCHANGE_ADMIN_TOKEN (optional, empty = admin routes disabled)
	HTTPAddr    string // EXCHANGE_HTTP_ADDR (default ":8000")
	DBEcho      bool   // EXCHANGE_DB_ECHO (default false; logs every query)

	// Gate tuning
	GateInterval time.Duration // EXCHANGE_GATE_INTERVAL (default 1s)
	GateMaxWait  time.Duration // EXCHANGE_GATE_MAX_WAIT (default 60s)
	ProbeTimeout time.Duration // EXCHANGE_PROBE_TIMEOUT (default 2s)
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first, without overriding variables already set.
// A missing required value is a fatal configuration error, reported before
// any dependency is probed.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		DatabaseURL: os.Getenv("EXCHANGE_DATABASE_URL"),
		BrokerURL:   os.Getenv("EXCHANGE_BROKER_URL"),
		SecretKey:   os.Getenv("EXCHANGE_SECRET_KEY"),
		AdminToken:  os.Getenv("EXCHANGE_ADMIN_TOKEN"),
		HTTPAddr:    envOrDefault("EXCHANGE_HTTP_ADDR", ":8000"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("EXCHANGE_DATABASE_URL is required")
	}
	if c.BrokerURL == "" {
		return nil, fmt.Errorf("EXCHANGE_BROKER_URL is required")
	}
	if c.SecretKey == "" {
		return nil, fmt.Errorf("EXCHANGE_SECRET_KEY is required")
	}

	if v := os.Getenv("EXCHANGE_DB_ECHO"); v != "" {
		echo, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("EXCHANGE_DB_ECHO: %w", err)
		}
		c.DBEcho = echo
	}

	var err error
	if c.GateInterval, err = durationOrDefault("EXCHANGE_GATE_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if c.GateMaxWait, err = durationOrDefault("EXCHANGE_GATE_MAX_WAIT", 60*time.Second); err != nil {
		return nil, err
	}
	if c.ProbeTimeout, err = durationOrDefault("EXCHANGE_PROBE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
