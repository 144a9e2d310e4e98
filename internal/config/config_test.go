package config_test

import (
	"testing"

	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/stretchr/testify/require"
)

func TestDeriveRealtimeURL(t *testing.T) {
	t.Run("http", func(t *testing.T) {
		require.Equal(t, "ws://localhost:8080/ws", config.DeriveRealtimeURL("http://localhost:8080"))
	})

	t.Run("https with path", func(t *testing.T) {
		require.Equal(t, "wss://api.example.com/v1/ws", config.DeriveRealtimeURL("https://api.example.com/v1/"))
	})

	t.Run("garbage", func(t *testing.T) {
		require.Equal(t, "ws://localhost:8080/ws", config.DeriveRealtimeURL("::"))
	})
}

func TestEnvVars(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("LISTSYNC_BASE_URL", "")
		t.Setenv("LISTSYNC_WS_URL", "")
		t.Setenv("LISTSYNC_SESSION_KEY", "")
		c := config.New()
		require.Equal(t, "http://localhost:8080", c.GetBaseURL())
		require.Equal(t, "ws://localhost:8080/ws", c.GetRealtimeURL())
		require.Nil(t, c.GetSessionKey())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("LISTSYNC_BASE_URL", "https://lists.example.com/")
		t.Setenv("LISTSYNC_WS_URL", "wss://push.example.com/stomp")
		t.Setenv("LISTSYNC_SESSION_KEY", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
		c := config.New()
		require.Equal(t, "https://lists.example.com", c.GetBaseURL())
		require.Equal(t, "wss://push.example.com/stomp", c.GetRealtimeURL())
		require.Len(t, c.GetSessionKey(), 32)
	})

	t.Run("malformed key ignored", func(t *testing.T) {
		t.Setenv("LISTSYNC_SESSION_KEY", "not-hex")
		require.Nil(t, config.New().GetSessionKey())
	})
}
