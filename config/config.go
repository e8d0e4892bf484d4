// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Port string
	Env  string

	JWTSecret   string
	TokenExpiry time.Duration

	DBPath  string
	BlobDir string

	HistorySize   int
	RoomKeepAlive time.Duration

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubject     string
}

// Load reads configuration from environment variables. In development a
// .env file is honored if present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		TokenExpiry:     getDuration("TOKEN_EXPIRY", 30*24*time.Hour),
		DBPath:          getEnv("DB_PATH", "./data/loci.db"),
		BlobDir:         getEnv("BLOB_DIR", "./data/blobs"),
		HistorySize:     getInt("HISTORY_SIZE", 20),
		RoomKeepAlive:   getDuration("ROOM_KEEPALIVE", 5*time.Minute),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubject:     getEnv("PUSH_SUBJECT", "mailto:push@loci.chat"),
	}

	if cfg.JWTSecret == "" {
		if cfg.Env == "production" {
			panic("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = "dev-secret-do-not-use"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
