package config

import "time"

type RaftConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ElectionTimeout   time.Duration `yaml:"election_timeout" mapstructure:"election_timeout"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold" mapstructure:"snapshot_threshold"`
	MaxEntriesPerMsg  int           `yaml:"max_entries_per_msg" mapstructure:"max_entries_per_msg"`
	SegmentBytes      int64         `yaml:"segment_bytes" mapstructure:"segment_bytes"`
	Bootstrap         bool          `yaml:"bootstrap" mapstructure:"bootstrap"`
}

// ElectionTick is the election timeout expressed in heartbeat ticks.
func (r RaftConfig) ElectionTick() int {
	return int(r.ElectionTimeout / r.HeartbeatInterval)
}

type TransportConfig struct {
	QueueSize      int           `yaml:"queue_size" mapstructure:"queue_size"`
	SendTimeout    time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

type DNSConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
	Domain  string `yaml:"domain" mapstructure:"domain"`
	TTL     uint32 `yaml:"ttl" mapstructure:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}
