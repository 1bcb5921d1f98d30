package config

import (
	"encoding/base64"
	"time"

	"github.com/a-essam23/go-gateway/pkg/state"
)

type Config struct {
	Server        ServerConfig
	Transport     TransportConfig
	Gateway       GatewayConfig
	RemoteAuth    RemoteAuthConfig `mapstructure:"remoteAuth"`
	MessageBroker BrokerConfig     `mapstructure:"messageBroker"`
	Storage       StorageConfig    `mapstructure:"storage"`
	Log           LogConfig        `mapstructure:"log"`

	RedisURL    string `mapstructure:"redisURL"`
	DatabaseURL string `mapstructure:"databaseURL"`
	// Key is the base64 encoded 32 byte secret for token signatures.
	Key         string `mapstructure:"key"`
	PublicHost  string `mapstructure:"publicHost"`
	GatewayHost string `mapstructure:"gatewayHost"`
	CDNHost     string `mapstructure:"cdnHost"`
	// NodeID seeds the snowflake generator; unique per process.
	NodeID int64 `mapstructure:"nodeID"`

	secret []byte
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	SendQueueSize  int           `mapstructure:"sendQueueSize"`
	MaxMessageSize int64         `mapstructure:"maxMessageSize"`
}

type GatewayConfig struct {
	// KeepAliveDelay is in seconds, within [5,150].
	KeepAliveDelay   int           `mapstructure:"keepAliveDelay"`
	ResumeWindow     time.Duration `mapstructure:"resumeWindow"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdownTimeout"`
	BotBlockedEvents []string      `mapstructure:"botBlockedEvents"`
	RateLimit        RateLimitConfig
	// LazyRequestPermissions lists permission names a member needs in at
	// least one channel role to receive member list syncs.
	LazyRequestPermissions []string `mapstructure:"lazyRequestPermissions"`

	LazyRequestPerms state.Permission `mapstructure:"-"`
}

type RemoteAuthConfig struct {
	// Timeout bounds a handshake socket from accept to finish.
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	// HeartbeatTimeout closes sockets that stopped sending heartbeats.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
	Path             string        `mapstructure:"path"`
}

type RateLimitConfig struct {
	Events int           `mapstructure:"events"`
	Per    time.Duration `mapstructure:"per"`
}

type BrokerConfig struct {
	Type     string               `mapstructure:"type"`
	WS       WSBrokerConfig       `mapstructure:"ws"`
	Redis    RedisBrokerConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQBrokerConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaBrokerConfig    `mapstructure:"kafka"`
	NATS     NATSBrokerConfig     `mapstructure:"nats"`
	SQS      SQSBrokerConfig      `mapstructure:"sqs"`
}

type WSBrokerConfig struct {
	URL string `mapstructure:"url"`
	// Serve mounts the hub on this process's server.
	Serve bool   `mapstructure:"serve"`
	Path  string `mapstructure:"path"`
}

type RedisBrokerConfig struct {
	URL string `mapstructure:"url"`
}

type RabbitMQBrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type KafkaBrokerConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topicPrefix"`
}

type NATSBrokerConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

type SQSBrokerConfig struct {
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	QueuePrefix string `mapstructure:"queuePrefix"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "memory"
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HeartbeatInterval is the interval advertised in HELLO.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Gateway.KeepAliveDelay) * time.Second
}

// PresenceTTL is keep-alive × 1.25.
func (c *Config) PresenceTTL() time.Duration {
	return c.HeartbeatInterval() * 5 / 4
}

// Secret returns the decoded KEY. It is populated by Validate.
func (c *Config) Secret() []byte {
	if c.secret == nil && c.Key != "" {
		c.secret, _ = base64.StdEncoding.DecodeString(c.Key)
	}
	return c.secret
}
