package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Cluster   ClusterConfig   `yaml:"cluster" mapstructure:"cluster"`
	Raft      RaftConfig      `yaml:"raft" mapstructure:"raft"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	DNS       DNSConfig       `yaml:"dns" mapstructure:"dns"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("LODESTONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "localhost")
	v.SetDefault("server.port", 7400)
	v.SetDefault("server.http_port", 7401)
	v.SetDefault("server.data_dir", "data")

	v.SetDefault("raft.heartbeat_interval", 100*time.Millisecond)
	v.SetDefault("raft.election_timeout", time.Second)
	v.SetDefault("raft.snapshot_threshold", 1024)
	v.SetDefault("raft.max_entries_per_msg", 64)
	v.SetDefault("raft.segment_bytes", 4<<20)
	v.SetDefault("raft.bootstrap", false)

	v.SetDefault("transport.queue_size", 256)
	v.SetDefault("transport.send_timeout", time.Second)
	v.SetDefault("transport.initial_backoff", 100*time.Millisecond)
	v.SetDefault("transport.max_backoff", 5*time.Second)

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.address", "localhost:8600")
	v.SetDefault("dns.domain", "lodestone.")
	v.SetDefault("dns.ttl", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	// A missing file is fine when everything comes from defaults and env.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(config *Config) error {
	if config.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	// viper folds map keys to lower case, so peer ids must already be.
	if config.Server.NodeID != strings.ToLower(config.Server.NodeID) {
		return fmt.Errorf("server.node_id must be lower case")
	}
	if config.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if config.Server.HTTPPort <= 0 || config.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535")
	}
	if config.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}

	self, ok := config.Cluster.Peers[config.Server.NodeID]
	if !ok {
		return fmt.Errorf("cluster.peers must contain node %q", config.Server.NodeID)
	}
	if self.RaftAddress == "" {
		return fmt.Errorf("cluster.peers.%s.raft_address is required", config.Server.NodeID)
	}
	for id, p := range config.Cluster.Peers {
		if p.RaftAddress == "" {
			return fmt.Errorf("cluster.peers.%s.raft_address is required", id)
		}
	}

	if config.Raft.HeartbeatInterval <= 0 {
		return fmt.Errorf("raft.heartbeat_interval must be positive")
	}
	if config.Raft.ElectionTimeout < 2*config.Raft.HeartbeatInterval {
		return fmt.Errorf("raft.election_timeout must be at least twice raft.heartbeat_interval")
	}
	if config.Raft.Bootstrap && len(config.Cluster.Peers) != 1 {
		return fmt.Errorf("raft.bootstrap is only allowed in a single-node cluster")
	}

	if config.Transport.QueueSize <= 0 {
		return fmt.Errorf("transport.queue_size must be positive")
	}
	if config.Transport.SendTimeout <= 0 {
		return fmt.Errorf("transport.send_timeout must be positive")
	}

	if config.DNS.Enabled && config.DNS.Address == "" {
		return fmt.Errorf("dns.address is required when dns is enabled")
	}
	if config.DNS.Enabled && !strings.HasSuffix(config.DNS.Domain, ".") {
		return fmt.Errorf("dns.domain must be fully qualified")
	}

	return nil
}
