// Package config provides configuration loading for the gateway.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Config holds the gateway configuration.
type Config struct {
	// Port is the HTTP listen port for the dashboard/control surface.
	Port int `json:"port"`
	// SessionsDir is the root directory for per-session credential folders.
	SessionsDir string `json:"sessionsDir"`

	// OwnerNumber is the fallback owner identity used for authorization
	// when a session has not recorded its own paired number.
	OwnerNumber string `json:"ownerNumber"`
	// OwnerName is the display name used in owner contact replies.
	OwnerName string `json:"ownerName"`
	// BotName is the display name prefixed to bot replies.
	BotName string `json:"botName"`

	// TelegramToken enables the chat-bot control bridge when set.
	TelegramToken string `json:"telegramToken"`
	// AllowedOrigin restricts dashboard CORS; "*" allows any origin.
	AllowedOrigin string `json:"allowedOrigin"`

	// RestartDelay is the fixed delay before recreating a session after a
	// restart-required disconnect.
	RestartDelay time.Duration `json:"-"`
	// ReconnectInitial is the first reconnect delay after a transient
	// disconnect; subsequent delays grow up to ReconnectMax.
	ReconnectInitial time.Duration `json:"-"`
	// ReconnectMax caps the reconnect delay.
	ReconnectMax time.Duration `json:"-"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `json:"logLevel"`
	// LogPretty enables human-readable console logs.
	LogPretty bool `json:"logPretty"`

	// Raw duration strings from the config file, parsed into the fields
	// above during Load.
	RestartDelayStr     string `json:"restartDelay,omitempty"`
	ReconnectInitialStr string `json:"reconnectInitial,omitempty"`
	ReconnectMaxStr     string `json:"reconnectMax,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:             3000,
		SessionsDir:      "sessions",
		OwnerName:        "wagate",
		BotName:          "wagate",
		AllowedOrigin:    "*",
		RestartDelay:     2 * time.Second,
		ReconnectInitial: 5 * time.Second,
		ReconnectMax:     2 * time.Minute,
		LogLevel:         "info",
	}
}

// Load loads configuration from an optional JSONC file and environment
// variables. Environment variables take precedence over the file. An empty
// path skips the file lookup entirely; a named file that does not exist is
// an error, while the default lookup tolerates absence.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		for _, candidate := range []string{"wagate.jsonc", "wagate.json"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile merges a single JSONC config file into cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Port = n
		}
	}
	if dir := os.Getenv("WAGATE_SESSIONS_DIR"); dir != "" {
		cfg.SessionsDir = dir
	}
	if v := os.Getenv("OWNER_NUMBER"); v != "" {
		cfg.OwnerNumber = v
	}
	if v := os.Getenv("OWNER_NAME"); v != "" {
		cfg.OwnerName = v
	}
	if v := os.Getenv("BOT_NAME"); v != "" {
		cfg.BotName = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("ALLOWED_ORIGIN"); v != "" {
		cfg.AllowedOrigin = v
	}
	if v := os.Getenv("WAGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WAGATE_LOG_PRETTY"); v != "" {
		cfg.LogPretty = v == "1" || v == "true"
	}
	if v := os.Getenv("WAGATE_RESTART_DELAY"); v != "" {
		cfg.RestartDelayStr = v
	}
	if v := os.Getenv("WAGATE_RECONNECT_INITIAL"); v != "" {
		cfg.ReconnectInitialStr = v
	}
	if v := os.Getenv("WAGATE_RECONNECT_MAX"); v != "" {
		cfg.ReconnectMaxStr = v
	}
}

// parseDurations converts the string duration fields into time.Durations.
func parseDurations(cfg *Config) error {
	set := func(dst *time.Duration, raw, name string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		*dst = d
		return nil
	}

	if err := set(&cfg.RestartDelay, cfg.RestartDelayStr, "restartDelay"); err != nil {
		return err
	}
	if err := set(&cfg.ReconnectInitial, cfg.ReconnectInitialStr, "reconnectInitial"); err != nil {
		return err
	}
	if err := set(&cfg.ReconnectMax, cfg.ReconnectMaxStr, "reconnectMax"); err != nil {
		return err
	}
	return nil
}
