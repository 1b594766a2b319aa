package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures the gateway runtime configuration sourced from the
// environment.
type Config struct {
	ListenAddress string
	DatabasePath  string
	NodeURL       string
	NodeAuthToken string
	JWTSecret     string
	WebhookURL    string
	PollInterval  time.Duration
	RatePerSecond float64
	RateBurst     int
}

// LoadConfigFromEnv builds the configuration from RENTAL_GATEWAY_* variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress: envOr("RENTAL_GATEWAY_LISTEN", ":8081"),
		DatabasePath:  envOr("RENTAL_GATEWAY_DB", "rental-gateway.db"),
		NodeURL:       strings.TrimSpace(os.Getenv("RENTAL_GATEWAY_NODE_URL")),
		NodeAuthToken: strings.TrimSpace(os.Getenv("RENTAL_GATEWAY_NODE_TOKEN")),
		JWTSecret:     strings.TrimSpace(os.Getenv("RENTAL_GATEWAY_JWT_SECRET")),
		WebhookURL:    strings.TrimSpace(os.Getenv("RENTAL_GATEWAY_WEBHOOK_URL")),
		PollInterval:  5 * time.Second,
		RatePerSecond: 20,
		RateBurst:     40,
	}
	if cfg.NodeURL == "" {
		return Config{}, fmt.Errorf("RENTAL_GATEWAY_NODE_URL must be set")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("RENTAL_GATEWAY_JWT_SECRET must be set")
	}
	if raw := strings.TrimSpace(os.Getenv("RENTAL_GATEWAY_POLL_INTERVAL")); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil || interval <= 0 {
			return Config{}, fmt.Errorf("invalid RENTAL_GATEWAY_POLL_INTERVAL: %q", raw)
		}
		cfg.PollInterval = interval
	}
	if raw := strings.TrimSpace(os.Getenv("RENTAL_GATEWAY_RATE_PER_SECOND")); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate <= 0 {
			return Config{}, fmt.Errorf("invalid RENTAL_GATEWAY_RATE_PER_SECOND: %q", raw)
		}
		cfg.RatePerSecond = rate
	}
	if raw := strings.TrimSpace(os.Getenv("RENTAL_GATEWAY_RATE_BURST")); raw != "" {
		burst, err := strconv.Atoi(raw)
		if err != nil || burst <= 0 {
			return Config{}, fmt.Errorf("invalid RENTAL_GATEWAY_RATE_BURST: %q", raw)
		}
		cfg.RateBurst = burst
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
