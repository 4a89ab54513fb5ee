// Package config loads a node's cluster membership and tuning parameters
// from a YAML file, the same gopkg.in/yaml.v2 config surface the teacher
// repo uses for its swagger/server config, validated once at boot.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/distrisearch/distrisearch/internal/consensus"
	"github.com/distrisearch/distrisearch/internal/replication"
	"github.com/distrisearch/distrisearch/internal/types"
)

// Config is a node's full boot-time configuration (spec §6).
type Config struct {
	NodeID  string            `yaml:"node_id"`
	DataDir string            `yaml:"data_dir"`
	Members map[string]string `yaml:"members"` // nodeID -> "host:port"

	ReplicationFactor int `yaml:"replication_factor"`

	ElectionTimeoutMinMS int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `yaml:"election_timeout_max_ms"`
	HeartbeatIntervalMS  int `yaml:"heartbeat_interval_ms"`

	DirectoryCacheTTLSeconds int `yaml:"directory_cache_ttl_seconds"`
	DirectoryCacheCapacity   int `yaml:"directory_cache_capacity"`

	RPCTimeoutMS        int `yaml:"rpc_timeout_ms"`
	LeaderlessTimeoutMS int `yaml:"leaderless_timeout_ms"`

	LogLevel string `yaml:"log_level"`

	ExtraStopwords []string `yaml:"extra_stopwords"`
}

// defaults mirrors the spec's stated defaults for any field left unset.
func defaults() Config {
	return Config{
		ReplicationFactor:        3,
		ElectionTimeoutMinMS:     150,
		ElectionTimeoutMaxMS:     300,
		HeartbeatIntervalMS:      50,
		DirectoryCacheTTLSeconds: 30,
		DirectoryCacheCapacity:   4096,
		RPCTimeoutMS:             5000,
		LeaderlessTimeoutMS:      1000,
		LogLevel:                "info",
		DataDir:                 "./data",
	}
}

// Load reads and validates a cluster config file at path.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("config: at least one member is required")
	}
	if _, ok := c.Members[c.NodeID]; !ok {
		return fmt.Errorf("config: node_id %q not present in members", c.NodeID)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("config: replication_factor must be >= 1")
	}
	if c.ReplicationFactor > len(c.Members) {
		return fmt.Errorf("config: replication_factor %d exceeds cluster size %d", c.ReplicationFactor, len(c.Members))
	}
	if c.ElectionTimeoutMinMS <= 0 || c.ElectionTimeoutMaxMS <= c.ElectionTimeoutMinMS {
		return fmt.Errorf("config: election_timeout_min_ms must be positive and less than election_timeout_max_ms")
	}
	return nil
}

// Self returns this node's NodeID.
func (c Config) Self() types.NodeID {
	return types.NodeID(c.NodeID)
}

// MemberAddrs returns the member map keyed by types.NodeID, the form
// transport.NewGRPCBus expects.
func (c Config) MemberAddrs() map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(c.Members))
	for id, addr := range c.Members {
		out[types.NodeID(id)] = addr
	}
	return out
}

// MemberIDs returns every member NodeID, including self, in a stable sorted
// order so every node computes identical replica rankings.
func (c Config) MemberIDs() []types.NodeID {
	out := make([]types.NodeID, 0, len(c.Members))
	for id := range c.Members {
		out = append(out, types.NodeID(id))
	}
	sortNodeIDs(out)
	return out
}

func sortNodeIDs(ids []types.NodeID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// ConsensusConfig derives a consensus.Config from the tuning parameters.
func (c Config) ConsensusConfig() consensus.Config {
	return consensus.Config{
		ElectionTimeoutMin: time.Duration(c.ElectionTimeoutMinMS) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(c.ElectionTimeoutMaxMS) * time.Millisecond,
		HeartbeatInterval:  time.Duration(c.HeartbeatIntervalMS) * time.Millisecond,
	}
}

// ReplicationConfig derives a replication.Config from the tuning parameters.
func (c Config) ReplicationConfig() replication.Config {
	timeout := time.Duration(c.RPCTimeoutMS) * time.Millisecond
	return replication.Config{
		K:                 c.ReplicationFactor,
		PerReplicaTimeout: timeout,
		OverallDeadline:   2 * timeout,
	}
}

// DirectoryCacheTTL returns the directory lookup cache's TTL.
func (c Config) DirectoryCacheTTL() time.Duration {
	return time.Duration(c.DirectoryCacheTTLSeconds) * time.Second
}

// RPCTimeout returns the default per-RPC timeout.
func (c Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMS) * time.Millisecond
}

// LeaderlessTimeout returns how long a leader-dependent operation blocks
// waiting for a leader to be discovered before failing with
// coordinator.ErrNoLeader (spec §4.5/§9).
func (c Config) LeaderlessTimeout() time.Duration {
	return time.Duration(c.LeaderlessTimeoutMS) * time.Millisecond
}
