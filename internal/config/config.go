// Package config reads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// MongoDB
	MongoURI      string
	MongoDatabase string

	// Tokens. JWTKeys wins over JWTSecret when both are set.
	JWTSecret    string
	JWTKeys      map[string]string
	JWTActiveKid string
	TokenTTL     time.Duration
	Token        string // bearer token the CLI acts with

	// Realtime relay
	RealtimeURL string
	RelayAddr   string

	// Caches
	ValkeyAddr string
	CacheDir   string

	// Sync core
	SendRatePerMinute int
	SendBurst         int
	PageSize          int

	LogLevel string
	Env      string
}

// Load reads .env from the working directory when present, then the
// environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		MongoURI:      get("MONGODB_URI", ""),
		MongoDatabase: get("MONGODB_DATABASE", "medlink"),
		JWTSecret:     get("JWT_SECRET", ""),
		JWTActiveKid:  get("JWT_ACTIVE_KID", ""),
		Token:         get("CHAT_TOKEN", ""),
		RealtimeURL:   get("REALTIME_URL", ""),
		RelayAddr:     get("RELAY_ADDR", ":8090"),
		ValkeyAddr:    get("VALKEY_ADDR", ""),
		CacheDir:      get("CACHE_DIR", ""),
		LogLevel:      get("LOG_LEVEL", "info"),
		Env:           get("ENV", "production"),
	}

	var err error
	if cfg.JWTKeys, err = ParseKeys(get("JWT_KEYS", "")); err != nil {
		return Config{}, err
	}
	if len(cfg.JWTKeys) > 0 {
		if _, ok := cfg.JWTKeys[cfg.JWTActiveKid]; !ok {
			return Config{}, fmt.Errorf("JWT_ACTIVE_KID %q is not one of JWT_KEYS", cfg.JWTActiveKid)
		}
	}
	if cfg.TokenTTL, err = time.ParseDuration(get("TOKEN_TTL", "24h")); err != nil {
		return Config{}, fmt.Errorf("invalid TOKEN_TTL: %w", err)
	}
	if cfg.SendRatePerMinute, err = positiveInt(get("SEND_RATE_PER_MINUTE", "30"), "SEND_RATE_PER_MINUTE"); err != nil {
		return Config{}, err
	}
	if cfg.SendBurst, err = positiveInt(get("SEND_BURST", "5"), "SEND_BURST"); err != nil {
		return Config{}, err
	}
	if cfg.PageSize, err = positiveInt(get("PAGE_SIZE", "50"), "PAGE_SIZE"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HasSigningKey reports whether tokens can be issued or verified locally.
func (c Config) HasSigningKey() bool {
	return c.JWTSecret != "" || len(c.JWTKeys) > 0
}

// ParseKeys parses "kid:secret,kid2:secret2". Empty input yields nil.
func ParseKeys(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	keys := map[string]string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid JWT_KEYS entry: %s", p)
		}
		keys[parts[0]] = parts[1]
	}
	return keys, nil
}

func positiveInt(v, name string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, v)
	}
	return n, nil
}
