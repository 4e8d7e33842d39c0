package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Len(t, cfg.Vault.MasterKey, 32)
	assert.Equal(t, 12*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 256, cfg.Limits.SubscriberQueue)
	assert.Equal(t, 200, cfg.Delivery.ReplayBatchSize)
	assert.False(t, cfg.Kafka.Disabled)
}

func TestFromEnv_Overrides(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv("MSGVAULT_ADDR", ":9090")
	t.Setenv("MSGVAULT_MASTER_KEY", base64.StdEncoding.EncodeToString(key))
	t.Setenv("MSGVAULT_SEND_LIMIT", "5")
	t.Setenv("MSGVAULT_SEND_WINDOW", "10s")
	t.Setenv("MSGVAULT_WS_ALLOWED_ORIGINS", "app.example.com, admin.example.com")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, key, cfg.Vault.MasterKey)
	assert.Equal(t, 5, cfg.Limits.SendLimit)
	assert.Equal(t, 10*time.Second, cfg.Limits.SendWindow)
	assert.Equal(t, []string{"app.example.com", "admin.example.com"}, cfg.Server.AllowedWSOrigins)
}

func TestFromEnv_RejectsBadMasterKey(t *testing.T) {
	t.Run("not base64", func(t *testing.T) {
		t.Setenv("MSGVAULT_MASTER_KEY", "%%%not-base64%%%")
		_, err := FromEnv()
		require.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Setenv("MSGVAULT_MASTER_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})
}

func TestValidate_ProductionRejectsDevDefaults(t *testing.T) {
	t.Setenv("MSGVAULT_ENV", "production")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MSGVAULT_MASTER_KEY")
}
