package config

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/a-essam23/go-gateway/pkg/state"
)

var brokerTypes = map[string]bool{
	"ws": true, "redis": true, "rabbitmq": true, "kafka": true, "nats": true, "sqs": true, "memory": true,
}

// Validate checks ranges and decodes derived fields.
func (c *Config) Validate() error {
	if c.Gateway.KeepAliveDelay < 5 || c.Gateway.KeepAliveDelay > 150 {
		return fmt.Errorf("gateway.keepAliveDelay must be within [5,150], got %d", c.Gateway.KeepAliveDelay)
	}
	secret, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return fmt.Errorf("key is not valid base64: %w", err)
	}
	if len(secret) != 32 {
		return fmt.Errorf("key must decode to 32 bytes, got %d", len(secret))
	}
	c.secret = secret

	c.MessageBroker.Type = strings.ToLower(c.MessageBroker.Type)
	if !brokerTypes[c.MessageBroker.Type] {
		return fmt.Errorf("unknown message broker type '%s'", c.MessageBroker.Type)
	}
	if c.MessageBroker.Type == "redis" && c.MessageBroker.Redis.URL == "" {
		if c.RedisURL == "" {
			return fmt.Errorf("messageBroker.redis.url or redisURL is required for the redis broker")
		}
		c.MessageBroker.Redis.URL = c.RedisURL
	}
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("invalid connection limit mode '%s'", c.Server.ConnectionLimit.Mode)
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("databaseURL is required for the postgres storage driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver '%s'", c.Storage.Driver)
	}

	perms, err := state.ParsePermissions(c.Gateway.LazyRequestPermissions)
	if err != nil {
		return fmt.Errorf("gateway.lazyRequestPermissions: %w", err)
	}
	c.Gateway.LazyRequestPerms = perms
	if c.RemoteAuth.Timeout <= 0 || c.RemoteAuth.HeartbeatTimeout <= 0 || c.RemoteAuth.HeartbeatInterval <= 0 {
		return fmt.Errorf("remoteAuth timeouts must be positive")
	}
	if c.RemoteAuth.HeartbeatInterval >= c.RemoteAuth.HeartbeatTimeout {
		return fmt.Errorf("remoteAuth.heartbeatInterval must be shorter than remoteAuth.heartbeatTimeout")
	}
	if c.RemoteAuth.Path == "" {
		c.RemoteAuth.Path = "/remote-auth"
	}
	if c.Gateway.ResumeWindow <= 0 {
		c.Gateway.ResumeWindow = 2 * c.HeartbeatInterval()
	}
	return nil
}
