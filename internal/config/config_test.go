package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8844", cfg.ListenAddr)
	assert.Equal(t, "ws://127.0.0.1:8844/ws", cfg.HostURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 4, cfg.MaxPlayers)
	assert.Equal(t, 2, cfg.PlayersPerPeer)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TABLETOP_LISTEN_ADDR", ":9000")
	t.Setenv("TABLETOP_MAX_PLAYERS", "6")
	t.Setenv("TABLETOP_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("TABLETOP_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 6, cfg.MaxPlayers)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("TABLETOP_MAX_PLAYERS", "many")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TABLETOP_MAX_PLAYERS", "4")
	t.Setenv("TABLETOP_HEARTBEAT_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)
}
