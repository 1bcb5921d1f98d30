package config

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// envAliases binds the deployment-facing variable names that predate the
// GOGATEWAY_ prefix.
var envAliases = map[string]string{
	"gateway.keepAliveDelay": "GATEWAY_KEEP_ALIVE_DELAY",
	"messageBroker.type":     "MESSAGE_BROKER_TYPE",
	"redisURL":               "REDIS_URL",
	"databaseURL":            "DATABASE_URL",
	"key":                    "KEY",
	"publicHost":             "PUBLIC_HOST",
	"gatewayHost":            "GATEWAY_HOST",
	"cdnHost":                "CDN_HOST",
}

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	v.SetEnvPrefix("GOGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "GOGATEWAY_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		slog.String("broker", cfg.MessageBroker.Type),
		slog.String("storage", cfg.Storage.Driver),
		slog.Int("keepAliveDelay", cfg.Gateway.KeepAliveDelay),
		slog.Bool("redisPresence", cfg.RedisURL != ""),
	)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.connectionLimit.maxPerIP", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.sendQueueSize", 256)
	v.SetDefault("transport.maxMessageSize", 1<<20)
	v.SetDefault("gateway.keepAliveDelay", 45)
	v.SetDefault("gateway.shutdownTimeout", "10s")
	v.SetDefault("gateway.botBlockedEvents", []string{"MESSAGE_ACK", "USER_SETTINGS_UPDATE", "SESSIONS_REPLACE", "USER_NOTE_UPDATE"})
	v.SetDefault("gateway.rateLimit.events", 120)
	v.SetDefault("gateway.rateLimit.per", "60s")
	v.SetDefault("gateway.lazyRequestPermissions", []string{"VIEW_CHANNEL"})
	v.SetDefault("remoteAuth.timeout", "150s")
	v.SetDefault("remoteAuth.heartbeatInterval", "41250ms")
	v.SetDefault("remoteAuth.heartbeatTimeout", "50s")
	v.SetDefault("remoteAuth.path", "/remote-auth")
	v.SetDefault("messageBroker.type", "ws")
	v.SetDefault("messageBroker.ws.url", "ws://127.0.0.1:8080/_broker")
	v.SetDefault("messageBroker.ws.serve", true)
	v.SetDefault("messageBroker.ws.path", "/_broker")
	v.SetDefault("messageBroker.rabbitmq.exchange", "gateway")
	v.SetDefault("messageBroker.nats.subjectPrefix", "gateway")
	v.SetDefault("messageBroker.kafka.topicPrefix", "gateway")
	v.SetDefault("messageBroker.sqs.queuePrefix", "gateway")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("nodeID", 1)
	v.SetDefault("publicHost", "127.0.0.1:8080")
	v.SetDefault("gatewayHost", "127.0.0.1:8080")
	v.SetDefault("cdnHost", "127.0.0.1:8080/media")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
