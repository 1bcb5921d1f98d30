package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/a-essam23/go-gateway/pkg/logging"
	"github.com/a-essam23/go-gateway/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func validConfig() Config {
	return Config{
		Server:        ServerConfig{ConnectionLimit: ConnectionLimitConfig{Mode: "reject"}},
		Gateway:       GatewayConfig{KeepAliveDelay: 45, LazyRequestPermissions: []string{"VIEW_CHANNEL"}},
		RemoteAuth:    RemoteAuthConfig{Timeout: 150 * time.Second, HeartbeatInterval: 41250 * time.Millisecond, HeartbeatTimeout: 50 * time.Second},
		MessageBroker: BrokerConfig{Type: "memory"},
		Storage:       StorageConfig{Driver: "memory"},
		Key:           testKey,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "keep-alive too short", mutate: func(c *Config) { c.Gateway.KeepAliveDelay = 4 }, wantErr: "keepAliveDelay"},
		{name: "keep-alive too long", mutate: func(c *Config) { c.Gateway.KeepAliveDelay = 151 }, wantErr: "keepAliveDelay"},
		{name: "key not base64", mutate: func(c *Config) { c.Key = "%%%" }, wantErr: "base64"},
		{name: "short key", mutate: func(c *Config) { c.Key = base64.StdEncoding.EncodeToString([]byte("short")) }, wantErr: "32 bytes"},
		{name: "unknown broker", mutate: func(c *Config) { c.MessageBroker.Type = "carrier-pigeon" }, wantErr: "broker type"},
		{name: "redis broker needs a url", mutate: func(c *Config) { c.MessageBroker.Type = "redis" }, wantErr: "redis"},
		{name: "bad limiter mode", mutate: func(c *Config) { c.Server.ConnectionLimit.Mode = "drop" }, wantErr: "connection limit"},
		{name: "postgres needs a dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "databaseURL"},
		{name: "unknown permission", mutate: func(c *Config) { c.Gateway.LazyRequestPermissions = []string{"FLY"} }, wantErr: "lazyRequestPermissions"},
		{name: "heartbeat interval above timeout", mutate: func(c *Config) { c.RemoteAuth.HeartbeatInterval = time.Minute }, wantErr: "heartbeatInterval"},
		{name: "zero remote-auth timeout", mutate: func(c *Config) { c.RemoteAuth.Timeout = 0 }, wantErr: "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_FillsDerivedFields(t *testing.T) {
	cfg := validConfig()
	cfg.MessageBroker.Type = "REDIS"
	cfg.RedisURL = "redis://localhost:6379"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "redis", cfg.MessageBroker.Type)
	assert.Equal(t, cfg.RedisURL, cfg.MessageBroker.Redis.URL)
	assert.Equal(t, "/remote-auth", cfg.RemoteAuth.Path)
	assert.Equal(t, 90*time.Second, cfg.Gateway.ResumeWindow)
	assert.Equal(t, state.PermViewChannel, cfg.Gateway.LazyRequestPerms)
	assert.Len(t, cfg.Secret(), 32)
}

func TestPresenceTTL(t *testing.T) {
	cfg := Config{Gateway: GatewayConfig{KeepAliveDelay: 40}}
	assert.Equal(t, 40*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 50*time.Second, cfg.PresenceTTL())
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("KEY", testKey)
	t.Setenv("GOGATEWAY_STORAGE_DRIVER", "memory")
	t.Setenv("GATEWAY_KEEP_ALIVE_DELAY", "30")

	cfg, err := Load(logging.Discard(), "no-such-config")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Gateway.KeepAliveDelay)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "ws", cfg.MessageBroker.Type)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 120, cfg.Gateway.RateLimit.Events)
	assert.Equal(t, time.Minute, cfg.Gateway.RateLimit.Per)
	assert.Equal(t, 150*time.Second, cfg.RemoteAuth.Timeout)
	assert.Equal(t, 41250*time.Millisecond, cfg.RemoteAuth.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Gateway.ResumeWindow)
	assert.Contains(t, cfg.Gateway.BotBlockedEvents, "MESSAGE_ACK")
}
