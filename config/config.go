// Package config loads service configuration. Environment variables are the
// primary source; an optional YAML file named by EDGED_CONFIG overlays the
// built-in defaults before the environment is applied, so the precedence is
// defaults < file < environment.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// HTTP control plane
	ListenAddr string `yaml:"listen_addr"`

	// Candle cache root (raw CSVs, clean/, models/, logs/, xy/)
	CacheDir string `yaml:"cache_dir"`

	// Exchange client
	ExchangeBaseURL string `yaml:"exchange_base_url"`
	Category        string `yaml:"category"`

	// Startup model: symbol whose artifact is loaded from disk at boot
	DefaultSymbol string `yaml:"default_symbol"`

	// Durable journal (empty disables it)
	SQLitePath string `yaml:"sqlite_path"`

	// Telemetry streams (empty addr disables Redis entirely)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Trainer knobs
	ActGate float64 `yaml:"act_gate"`
	DumpXY  bool    `yaml:"dump_xy"`

	LogLevel string `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:      ":3000",
		CacheDir:        "cache",
		ExchangeBaseURL: "https://api.bybit.com",
		Category:        "linear",
		DefaultSymbol:   "BTCUSDT",
		SQLitePath:      "cache/journal.db",
		ActGate:         0.10,
		LogLevel:        "info",
	}
}

// Load builds the configuration: defaults, then the optional YAML file from
// EDGED_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("EDGED_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		log.Printf("[config] loaded overrides from %s", path)
	}

	cfg.ListenAddr = getEnv("EDGED_LISTEN_ADDR", cfg.ListenAddr)
	cfg.CacheDir = getEnv("EDGED_CACHE_DIR", cfg.CacheDir)
	cfg.ExchangeBaseURL = getEnv("EDGED_EXCHANGE_URL", cfg.ExchangeBaseURL)
	cfg.Category = getEnv("EDGED_CATEGORY", cfg.Category)
	cfg.DefaultSymbol = getEnv("EDGED_DEFAULT_SYMBOL", cfg.DefaultSymbol)
	cfg.SQLitePath = getEnv("EDGED_SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.ActGate = getEnvFloat("EDGED_ACT_GATE", cfg.ActGate)
	cfg.DumpXY = getEnvBool("EDGED_DUMP_XY", cfg.DumpXY)
	cfg.LogLevel = getEnv("EDGED_LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return b
}
