package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config carries all deployment settings, read once from the environment.
type Config struct {
	Addr             string
	PostgresDSN      string
	TokenSecret      string
	TokenIssuer      string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration
	GoogleClientID   string
	GoogleTimeout    time.Duration
	PasswordMinLen   int
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid int for %s, using default: %v", key, err)
		return def
	}
	return i
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid duration for %s, using default: %v", key, err)
		return def
	}
	return d
}

// Load reads the environment, applying defaults for everything optional.
// The token secret has an insecure development default on purpose; the
// deployment must override it.
func Load() Config {
	return Config{
		Addr:             getenv("BMS_ADDR", ":8080"),
		PostgresDSN:      getenv("BMS_PG_DSN", ""),
		TokenSecret:      getenv("BMS_TOKEN_SECRET", "dev_insecure_change_me"),
		TokenIssuer:      getenv("BMS_TOKEN_ISSUER", "sunkingbms"),
		AccessTTL:        getDuration("BMS_ACCESS_TTL", 2*time.Hour),
		RefreshTTL:       getDuration("BMS_REFRESH_TTL", 24*time.Hour),
		LockoutThreshold: getInt("BMS_LOCKOUT_THRESHOLD", 5),
		LockoutWindow:    getDuration("BMS_LOCKOUT_WINDOW", 15*time.Minute),
		GoogleClientID:   getenv("GOOGLE_CLIENT_ID", ""),
		GoogleTimeout:    getDuration("BMS_GOOGLE_TIMEOUT", 10*time.Second),
		PasswordMinLen:   getInt("BMS_PASSWORD_MIN_LENGTH", 8),
	}
}
