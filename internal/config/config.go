// Package config loads the daemon configuration from a file (any format
// viper reads) with DELTAHUB_* environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	NodeID           string `mapstructure:"node_id"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`

	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

type FeedConfig struct {
	Kafka    KafkaFeedConfig  `mapstructure:"kafka"`
	RabbitMQ RabbitFeedConfig `mapstructure:"rabbitmq"`
}

type KafkaFeedConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`

	SASLEnabled  bool   `mapstructure:"sasl_enabled"`
	SASLUsername string `mapstructure:"sasl_username"`
	SASLPassword string `mapstructure:"sasl_password"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"`
}

type RabbitFeedConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	RoutingPrefix string `mapstructure:"routing_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("deltahub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.network", "tcp")
	v.SetDefault("server.address", "127.0.0.1:7420")
	v.SetDefault("server.max_inflight", 64)
	v.SetDefault("server.global_queue_limit", 4096)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.namespace", "chunks")
	v.SetDefault("feed.rabbitmq.routing_prefix", "deltahub.update.")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Server.Network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("server.network must be tcp or unix, got %q", c.Server.Network)
	}
	if c.Server.Network == "unix" && c.Server.UnixSocketPath == "" {
		return fmt.Errorf("server.unix_socket_path is required for unix network")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Server.WebSocket.Enabled && c.Server.WebSocket.Address == "" {
		return fmt.Errorf("server.websocket.address is required when the websocket bridge is enabled")
	}
	if c.Feed.Kafka.Enabled {
		if len(c.Feed.Kafka.Brokers) == 0 {
			return fmt.Errorf("feed.kafka.brokers is required")
		}
		if c.Feed.Kafka.Topic == "" {
			return fmt.Errorf("feed.kafka.topic is required")
		}
	}
	if c.Feed.RabbitMQ.Enabled {
		if c.Feed.RabbitMQ.URL == "" {
			return fmt.Errorf("feed.rabbitmq.url is required")
		}
		if c.Feed.RabbitMQ.Exchange == "" {
			return fmt.Errorf("feed.rabbitmq.exchange is required")
		}
	}
	return nil
}
