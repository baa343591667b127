package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the environment-derived configuration surface shared by the
// worker and the client binaries.
type Config struct {
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	Namespace string
	Group     string

	RetryDelay time.Duration
	MaxRetries int
	RPCTimeout time.Duration

	SecretKey string
	TokenTTL  time.Duration
}

func Load() Config {
	return Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		Namespace:     getEnv("MQ_NAMESPACE", "api"),
		Group:         getEnv("MQ_GROUP", "api:workers"),
		RetryDelay:    time.Duration(getEnvInt("MQ_RETRY_DELAY_MS", 5000)) * time.Millisecond,
		MaxRetries:    getEnvInt("MQ_MAX_RETRIES", 3),
		RPCTimeout:    time.Duration(getEnvInt("MQ_RPC_TIMEOUT_S", 30)) * time.Second,
		SecretKey:     getEnv("SECRET_KEY", "dev-secret"),
		TokenTTL:      time.Duration(getEnvInt("TOKEN_TTL_MINUTES", 60)) * time.Minute,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
