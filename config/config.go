// Package config loads and validates environment variables at startup.
// Fail-fast: an invalid value stops the process with an error.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Zone database for minimal containers

	"github.com/Pursuit2703/aviasales-tracker/fetcher"
)

var iataRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// Config holds all runtime configuration for the tracker.
type Config struct {
	Location        *time.Location
	TelegramToken   string
	DatabaseURL     string
	RedisURL        string
	Bucket          string
	LocalStorage    string
	CredentialsJSON string
	APIURL          string
	Currency        string
	Market          string
	Locale          string
	DefaultOrigin   string
	Port            string
	MaxDirections   int
	FetchTimeout    time.Duration
	AlertInterval   time.Duration
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken:   os.Getenv("TELEGRAM_TOKEN"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		Bucket:          os.Getenv("STORAGE_BUCKET"),
		LocalStorage:    os.Getenv("LOCAL_STORAGE"),
		CredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		APIURL:          env("API_URL", fetcher.DefaultEndpoint),
		Currency:        strings.ToLower(env("CURRENCY", "uzs")),
		Market:          strings.ToLower(env("MARKET", "uz")),
		Locale:          env("LOCALE", "ru"),
		DefaultOrigin:   strings.ToUpper(env("DEFAULT_ORIGIN", "TAS")),
		Port:            env("PORT", "8080"),
	}

	// Default to local development mode if no database or bucket is configured
	if cfg.DatabaseURL == "" && cfg.Bucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}

	if !iataRegex.MatchString(cfg.DefaultOrigin) {
		return nil, fmt.Errorf("DEFAULT_ORIGIN must be a 3-letter IATA code, got %q", cfg.DefaultOrigin)
	}

	var err error
	if cfg.MaxDirections, err = intEnv("MAX_DIRECTIONS", 50); err != nil {
		return nil, err
	}
	if cfg.MaxDirections <= 0 {
		return nil, fmt.Errorf("MAX_DIRECTIONS must be positive, got %d", cfg.MaxDirections)
	}
	if cfg.FetchTimeout, err = durationEnv("FETCH_TIMEOUT", fetcher.DefaultAttemptTimeout); err != nil {
		return nil, err
	}
	if cfg.AlertInterval, err = durationEnv("ALERT_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	tz := env("TIMEZONE", "Asia/Tashkent")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", tz, err)
	}

	return cfg, nil
}

// Query returns the fetch template shared by the bot, alerts and digests.
func (c *Config) Query() fetcher.Query {
	return fetcher.Query{
		Currency:   c.Currency,
		Market:     c.Market,
		Locales:    []string{c.Locale},
		MaxResults: c.MaxDirections,
	}
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
