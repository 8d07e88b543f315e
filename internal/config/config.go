// Package config loads runtime configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the CLI needs to run a host or client session.
type Config struct {
	// ListenAddr is the host's websocket bind address.
	ListenAddr string
	// HostURL is the ws:// endpoint a client dials.
	HostURL string
	// RedisAddr enables the action journal when non-empty.
	RedisAddr string

	MaxPlayers     int
	PlayersPerPeer int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	LogLevel string
}

// Load reads .env (if present) then the environment. Missing values fall
// back to defaults that match the reference deployment.
func Load() (Config, error) {
	_ = godotenv.Load() // absent .env is fine

	cfg := Config{
		ListenAddr:        getEnv("TABLETOP_LISTEN_ADDR", ":8844"),
		HostURL:           getEnv("TABLETOP_HOST_URL", "ws://127.0.0.1:8844/ws"),
		RedisAddr:         getEnv("TABLETOP_REDIS_ADDR", ""),
		LogLevel:          getEnv("TABLETOP_LOG_LEVEL", "info"),
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  25 * time.Second,
	}

	var err error
	if cfg.MaxPlayers, err = getEnvInt("TABLETOP_MAX_PLAYERS", 4); err != nil {
		return Config{}, err
	}
	if cfg.PlayersPerPeer, err = getEnvInt("TABLETOP_PLAYERS_PER_PEER", 2); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("TABLETOP_HEARTBEAT_INTERVAL"); v != "" {
		if cfg.HeartbeatInterval, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("TABLETOP_HEARTBEAT_INTERVAL: %w", err)
		}
	}
	if v := os.Getenv("TABLETOP_HEARTBEAT_TIMEOUT"); v != "" {
		if cfg.HeartbeatTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("TABLETOP_HEARTBEAT_TIMEOUT: %w", err)
		}
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
