package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the FamilyTrack device agent.
type Config struct {
	HTTPPort        int
	APIBaseURL      string
	APITimeout      time.Duration
	MQTTBroker      string
	PushTopicPrefix string
	DatabasePath    string
	SecureKey       string
	LocationSource  string
	DeviceName      string
	AdvertiseMDNS   bool
	LogLevel        string
}

const (
	defaultHTTPPort        = 8080
	defaultAPIBaseURL      = "http://localhost:3000/"
	defaultAPITimeout      = 15 * time.Second
	defaultPushTopicPrefix = "familytrack/devices"
	defaultDatabasePath    = "data/familytrack.db"
	defaultLogLevel        = "info"
)

// Load derives configuration values from environment variables, falling back to defaults.
// A .env file in the working directory is read first when present; real environment
// variables take precedence over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		APIBaseURL:      defaultAPIBaseURL,
		APITimeout:      defaultAPITimeout,
		PushTopicPrefix: defaultPushTopicPrefix,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
	}

	if v := os.Getenv("FAMILYTRACK_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FAMILYTRACK_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("FAMILYTRACK_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if !strings.HasSuffix(cfg.APIBaseURL, "/") {
		cfg.APIBaseURL += "/"
	}

	if v := os.Getenv("FAMILYTRACK_API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FAMILYTRACK_API_TIMEOUT: %w", err)
		}
		cfg.APITimeout = d
	}

	if v := os.Getenv("FAMILYTRACK_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}

	if v := os.Getenv("FAMILYTRACK_PUSH_TOPIC_PREFIX"); v != "" {
		cfg.PushTopicPrefix = strings.TrimSuffix(v, "/")
	}

	if v := os.Getenv("FAMILYTRACK_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	cfg.SecureKey = os.Getenv("FAMILYTRACK_SECURE_KEY")
	if cfg.SecureKey == "" {
		return Config{}, errors.New("FAMILYTRACK_SECURE_KEY is required")
	}

	cfg.LocationSource = os.Getenv("FAMILYTRACK_LOCATION_SOURCE")

	cfg.DeviceName = os.Getenv("FAMILYTRACK_DEVICE_NAME")
	if cfg.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceName = host
		}
	}

	if v := os.Getenv("FAMILYTRACK_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid FAMILYTRACK_MDNS: %w", err)
		}
		cfg.AdvertiseMDNS = enabled
	}

	if v := os.Getenv("FAMILYTRACK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
