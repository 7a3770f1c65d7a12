// Package config loads and validates the bot's environment-variable
// configuration, in the teacher's getEnv/getEnvInt style: plain
// os.Getenv with defaults, no external config library. The surface is
// small and flat enough that reaching for viper/koanf would buy nothing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relaybot-dev/relaybot/internal/apperrors"
)

// Mode is the bot's visibility mode.
type Mode string

const (
	ModePublic  Mode = "public"
	ModePrivate Mode = "private"
)

// Config holds every environment-derived setting the bot needs.
type Config struct {
	SessionID string

	Prefix  string
	BotName string

	OwnerNumber  string
	AdminNumbers []string
	Mode         Mode

	AutoBio        bool
	AutoRead       bool
	AutoReact      bool
	AutoStatusSeen bool
	Welcome        bool
	AntiLink       bool
	RejectCall     bool

	Port int

	Timezone string

	MongoURI     string
	DatabaseName string

	RedisHost           string
	RedisPort           string
	RedisPassword       string
	RedisEnabled        bool
	RedisRetryCache     bool
	ControlPlaneAPIKey  string
	PluginDir           string
	CredentialsDir      string
	ShutdownGracePeriod time.Duration
}

// Load reads and validates configuration from the process environment.
// A non-nil error is the bot's one Fatal Configuration Error class; the
// caller must exit non-zero before the logger is initialized.
func Load() (*Config, error) {
	cfg := &Config{
		SessionID: os.Getenv("SESSION_ID"),

		Prefix:  getEnv("PREFIX", "."),
		BotName: getEnv("BOT_NAME", "relaybot"),

		OwnerNumber:  strings.TrimSpace(os.Getenv("OWNER_NUMBER")),
		AdminNumbers: splitAndTrim(os.Getenv("ADMIN_NUMBERS")),
		Mode:         Mode(getEnv("MODE", string(ModePublic))),

		AutoBio:        getEnvBool("AUTO_BIO", false),
		AutoRead:       getEnvBool("AUTO_READ", false),
		AutoReact:      getEnvBool("AUTO_REACT", false),
		AutoStatusSeen: getEnvBool("AUTO_STATUS_SEEN", false),
		Welcome:        getEnvBool("WELCOME", false),
		AntiLink:       getEnvBool("ANTILINK", false),
		RejectCall:     getEnvBool("REJECT_CALL", false),

		Port: getEnvInt("PORT", 3000),

		Timezone: getEnv("TIMEZONE", "Africa/Lagos"),

		MongoURI:     getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		DatabaseName: getEnv("DATABASE_NAME", "relaybot"),

		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisEnabled:    getEnvBool("REDIS_ENABLED", false),
		RedisRetryCache: getEnvBool("REDIS_RETRY_CACHE", false),

		ControlPlaneAPIKey:  os.Getenv("CONTROL_PLANE_API_KEY"),
		PluginDir:           getEnv("PLUGIN_DIR", "./plugins"),
		CredentialsDir:      getEnv("CREDENTIALS_DIR", "./auth_state"),
		ShutdownGracePeriod: 15 * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OwnerNumber == "" {
		return apperrors.Config("OWNER_NUMBER is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return apperrors.Config(fmt.Sprintf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.Mode != ModePublic && c.Mode != ModePrivate {
		return apperrors.Config(fmt.Sprintf("MODE must be %q or %q, got %q", ModePublic, ModePrivate, c.Mode))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return apperrors.Config(fmt.Sprintf("TIMEZONE %q is not a valid IANA zone: %v", c.Timezone, err))
	}
	return nil
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
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
