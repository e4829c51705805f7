package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabasePath    string
	CredentialsPath string
	MasterPassword  string
	Timezone        *time.Location
	SyncSchedule    string
	HTTPTimeout     time.Duration
	AssumeReadOnly  bool
	LogLevel        string
	UserAgent       string
	TelegramToken   string
	TelegramChatID  int64
}

func Load() (*Config, error) {
	tzName := getenvDefault("CALSYNC_TIMEZONE", "UTC")
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid CALSYNC_TIMEZONE: %w", err)
	}

	var chatID int64
	if v := strings.TrimSpace(os.Getenv("CALSYNC_TELEGRAM_CHAT_ID")); v != "" {
		chatID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CALSYNC_TELEGRAM_CHAT_ID must be a number")
		}
	}

	cfg := &Config{
		DatabasePath:    getenvDefault("CALSYNC_DATABASE_PATH", "./data/caldavsync.db"),
		CredentialsPath: getenvDefault("CALSYNC_CREDENTIALS_PATH", "./data/credentials.bin"),
		MasterPassword:  os.Getenv("CALSYNC_MASTER_PASSWORD"),
		Timezone:        tz,
		SyncSchedule:    getenvDefault("CALSYNC_SYNC_SCHEDULE", "@every 15m"),
		HTTPTimeout:     getenvDuration("CALSYNC_HTTP_TIMEOUT", 30*time.Second),
		AssumeReadOnly:  getenvBool("CALSYNC_ASSUME_READONLY", false),
		LogLevel:        getenvDefault("CALSYNC_LOG_LEVEL", "info"),
		UserAgent:       getenvDefault("CALSYNC_USER_AGENT", "caldavsync/1.0"),
		TelegramToken:   strings.TrimSpace(os.Getenv("CALSYNC_TELEGRAM_TOKEN")),
		TelegramChatID:  chatID,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MasterPassword == "" {
		return errors.New("CALSYNC_MASTER_PASSWORD is required")
	}
	if c.DatabasePath == "" || c.CredentialsPath == "" {
		return errors.New("database and credentials paths are required")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("http timeout must be > 0")
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return errors.New("CALSYNC_TELEGRAM_CHAT_ID is required when a telegram token is set")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// TelegramEnabled reports whether failure notifications go to Telegram.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

func getenvDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
