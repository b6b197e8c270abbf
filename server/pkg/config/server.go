package config

type ServerConfig struct {
	NodeID   string `yaml:"node_id" mapstructure:"node_id"`
	Address  string `yaml:"address" mapstructure:"address"`
	Port     int    `yaml:"port" mapstructure:"port"`
	HTTPPort int    `yaml:"http_port" mapstructure:"http_port"`
	DataDir  string `yaml:"data_dir" mapstructure:"data_dir"`
}

type ClusterConfig struct {
	Peers map[string]PeerConfig `yaml:"peers" mapstructure:"peers"`
}

// PeerConfig is how other members reach a node: raft traffic goes to
// RaftAddress, redirected clients to HTTPAddress.
type PeerConfig struct {
	RaftAddress string `yaml:"raft_address" mapstructure:"raft_address"`
	HTTPAddress string `yaml:"http_address" mapstructure:"http_address"`
}

// RaftAddresses maps every member id to its raft address.
func (c ClusterConfig) RaftAddresses() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for id, p := range c.Peers {
		out[id] = p.RaftAddress
	}
	return out
}

// HTTPAddress returns the client-facing address of member id.
func (c ClusterConfig) HTTPAddress(id string) (string, bool) {
	p, ok := c.Peers[id]
	if !ok || p.HTTPAddress == "" {
		return "", false
	}
	return p.HTTPAddress, true
}
