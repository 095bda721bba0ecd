// Package config loads procmand's configuration file with Viper,
// layering environment overrides and defaults on top before
// validating the result.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Routers    []RouterConfig   `mapstructure:"routers"`
	Store      StoreConfig      `mapstructure:"store"`
	EventStore EventStoreConfig `mapstructure:"event_store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Control    ControlConfig    `mapstructure:"control"`
	Feature    FeatureConfig    `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID        string   `mapstructure:"node_id"`
	LeaderAddress string   `mapstructure:"leader_address"`
	PeerAddresses []string `mapstructure:"peer_addresses"`
}

// RegistryConfig configures the subscriptions registry.
type RegistryConfig struct {
	StreamTTL          time.Duration `mapstructure:"stream_ttl"`
	CheckpointPath     string        `mapstructure:"checkpoint_path"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// RouterConfig is one process manager's Process Router definition.
type RouterConfig struct {
	ProcessManagerName string `mapstructure:"process_manager_name"`
	Consistency        string `mapstructure:"consistency"` // "strong" | "eventual"
	StartFrom          string `mapstructure:"start_from"`  // "origin" | "current" | "position"
	StartFromPosition  uint64 `mapstructure:"start_from_position"`
	InstanceShards     int    `mapstructure:"instance_shards"`
	InstanceShardLimit int    `mapstructure:"instance_shard_limit"`
	BootstrapRaft      bool   `mapstructure:"bootstrap_raft"`
}

type StoreConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
}

type EventStoreConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type DispatcherConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type ControlConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Network   string `mapstructure:"network"`
	Address   string `mapstructure:"address"`
	AuthToken string `mapstructure:"auth_token"`
}

type FeatureConfig struct {
	AllowMultipleRouterConsistencies bool `mapstructure:"allow_multiple_router_consistencies"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("procman")
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
	v.SetDefault("registry.stream_ttl", "10m")
	v.SetDefault("registry.checkpoint_interval", "30s")
	v.SetDefault("store.snapshot_path", "procman-snapshots.db")
	v.SetDefault("feature.allow_multiple_router_consistencies", true)
	v.SetDefault("control.network", "tcp")
	v.SetDefault("event_store.kafka.client_id", "procmand")
	v.SetDefault("dispatcher.rabbitmq.exchange", "procman.commands")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if len(c.Routers) == 0 {
		return fmt.Errorf("at least one entry in routers is required")
	}
	seen := map[string]bool{}
	for _, r := range c.Routers {
		if r.ProcessManagerName == "" {
			return fmt.Errorf("routers[].process_manager_name is required")
		}
		if seen[r.ProcessManagerName] {
			return fmt.Errorf("duplicate router for process manager %q", r.ProcessManagerName)
		}
		seen[r.ProcessManagerName] = true
		switch r.Consistency {
		case "strong", "eventual", "":
		default:
			return fmt.Errorf("router %q: consistency must be strong or eventual, got %q", r.ProcessManagerName, r.Consistency)
		}
		switch r.StartFrom {
		case "origin", "current", "position", "":
		default:
			return fmt.Errorf("router %q: start_from must be origin, current, or position, got %q", r.ProcessManagerName, r.StartFrom)
		}
	}
	if !c.Feature.AllowMultipleRouterConsistencies {
		levels := map[string]bool{}
		for _, r := range c.Routers {
			level := r.Consistency
			if level == "" {
				level = "strong"
			}
			levels[level] = true
		}
		if len(levels) > 1 {
			return fmt.Errorf("multiple router consistency levels enabled while feature.allow_multiple_router_consistencies=false")
		}
	}
	if c.EventStore.Kafka.Enabled {
		if len(c.EventStore.Kafka.Brokers) == 0 {
			return fmt.Errorf("event_store.kafka.brokers is required when kafka is enabled")
		}
		if c.EventStore.Kafka.Topic == "" {
			return fmt.Errorf("event_store.kafka.topic is required when kafka is enabled")
		}
	}
	if c.Dispatcher.RabbitMQ.Enabled && c.Dispatcher.RabbitMQ.URL == "" {
		return fmt.Errorf("dispatcher.rabbitmq.url is required when rabbitmq is enabled")
	}
	return nil
}
