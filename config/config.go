package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sellmair/broadheart/logger"
)

// Transport selects the BLE backend.
type Transport string

const (
	TransportSim   Transport = "sim"
	TransportBluez Transport = "bluez"
)

type Config struct {
	UserId    int64
	UserName  string
	BirthYear int

	Transport Transport
	Adapter   string // bluez adapter, e.g. hci0

	InvalidationWindow time.Duration
	TickInterval       time.Duration
	LimitInterval      time.Duration

	DBPath   string
	HTTPAddr string
	LogLevel logger.LogLevel
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Load reads configuration from a .env file (if present) and the
// environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	cfg := &Config{
		UserName:  getEnvOrDefault("BROADHEART_USER_NAME", "anonymous"),
		Transport: Transport(getEnvOrDefault("BROADHEART_TRANSPORT", string(TransportSim))),
		Adapter:   getEnvOrDefault("BROADHEART_ADAPTER", "hci0"),
		DBPath:    getEnvOrDefault("BROADHEART_DB", "broadheart.db"),
		HTTPAddr:  getEnvOrDefault("BROADHEART_HTTP_ADDR", ":8720"),
		LogLevel:  logger.ParseLevel(getEnvOrDefault("LOG_LEVEL", "info")),
	}

	if raw := os.Getenv("BROADHEART_USER_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("BROADHEART_USER_ID: %w", err)
		}
		cfg.UserId = id
	}
	if raw := os.Getenv("BROADHEART_BIRTH_YEAR"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("BROADHEART_BIRTH_YEAR: %w", err)
		}
		cfg.BirthYear = year
	}

	switch cfg.Transport {
	case TransportSim, TransportBluez:
	default:
		return nil, fmt.Errorf("BROADHEART_TRANSPORT: unknown transport %q", cfg.Transport)
	}

	var err error
	if cfg.InvalidationWindow, err = getDuration("BROADHEART_WINDOW", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.TickInterval, err = getDuration("BROADHEART_TICK", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LimitInterval, err = getDuration("BROADHEART_LIMIT_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}
