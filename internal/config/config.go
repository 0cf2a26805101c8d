package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CacheTTL          time.Duration
	CacheLoadAttempts int
	CacheLoadTimeout  time.Duration

	LockProvider string
	LockTTL      time.Duration
	LockWait     time.Duration
	LockAttempts int

	LogLevel  string
	LogFormat string

	AuthSecret            string
	AccessTokenTTLMinutes int
	OwnerPasswordHash     string
	StaffPasswordHash     string
}

// Load reads the environment. A .env file in the working directory is
// applied first without overriding variables that are already set.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "memory")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./restocost.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0, 0),

		CacheTTL:          time.Duration(getInt("CACHE_TTL_SECONDS", 30, 1)) * time.Second,
		CacheLoadAttempts: getInt("CACHE_LOAD_ATTEMPTS", 3, 1),
		CacheLoadTimeout:  time.Duration(getInt("CACHE_LOAD_TIMEOUT_SECONDS", 10, 1)) * time.Second,

		LockProvider: strings.ToLower(getEnv("LOCK_PROVIDER", "memory")),
		LockTTL:      time.Duration(getInt("LOCK_TTL_SECONDS", 60, 1)) * time.Second,
		LockWait:     time.Duration(getInt("LOCK_WAIT_MS", 200, 1)) * time.Millisecond,
		LockAttempts: getInt("LOCK_ATTEMPTS", 5, 1),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		OwnerPasswordHash:     strings.TrimSpace(os.Getenv("OWNER_PASSWORD_HASH")),
		StaffPasswordHash:     strings.TrimSpace(os.Getenv("STAFF_PASSWORD_HASH")),
	}

	return cfg
}

// LotLoadBudget is the longest a single lot load may take inside a locked
// section, retries included.
func (c Config) LotLoadBudget() time.Duration {
	return c.CacheLoadTimeout * time.Duration(c.CacheLoadAttempts)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < min {
		return fallback
	}
	return n
}
