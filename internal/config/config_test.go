package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrisearch/distrisearch/internal/types"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: n1
members:
  n1: "localhost:9001"
  n2: "localhost:9002"
  n3: "localhost:9003"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.Equal(t, 150, cfg.ElectionTimeoutMinMS)
	assert.Equal(t, 300, cfg.ElectionTimeoutMaxMS)
	assert.Equal(t, 50, cfg.HeartbeatIntervalMS)
	assert.Equal(t, 30, cfg.DirectoryCacheTTLSeconds)
	assert.Equal(t, 4096, cfg.DirectoryCacheCapacity)
	assert.Equal(t, 5000, cfg.RPCTimeoutMS)
	assert.Equal(t, 1000, cfg.LeaderlessTimeoutMS)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: n1
data_dir: /var/lib/distrisearch
members:
  n1: "localhost:9001"
replication_factor: 1
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/distrisearch", cfg.DataDir)
	assert.Equal(t, 1, cfg.ReplicationFactor)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMissingNodeID(t *testing.T) {
	path := writeConfig(t, `
members:
  n1: "localhost:9001"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "node_id is required")
}

func TestLoadRejectsEmptyMembers(t *testing.T) {
	path := writeConfig(t, `
node_id: n1
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "at least one member")
}

func TestLoadRejectsNodeIDNotInMembers(t *testing.T) {
	path := writeConfig(t, `
node_id: n9
members:
  n1: "localhost:9001"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "not present in members")
}

func TestLoadRejectsReplicationFactorExceedingClusterSize(t *testing.T) {
	path := writeConfig(t, `
node_id: n1
members:
  n1: "localhost:9001"
  n2: "localhost:9002"
replication_factor: 5
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "exceeds cluster size")
}

func TestLoadRejectsInvalidElectionTimeoutOrdering(t *testing.T) {
	path := writeConfig(t, `
node_id: n1
members:
  n1: "localhost:9001"
election_timeout_min_ms: 300
election_timeout_max_ms: 150
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "election_timeout_min_ms")
}

func TestMemberIDsIsSortedAndIncludesSelf(t *testing.T) {
	cfg := Config{NodeID: "n2", Members: map[string]string{"n3": "a", "n1": "b", "n2": "c"}}
	assert.Equal(t, []types.NodeID{"n1", "n2", "n3"}, cfg.MemberIDs())
}

func TestMemberAddrsConvertsKeyType(t *testing.T) {
	cfg := Config{Members: map[string]string{"n1": "localhost:9001"}}
	addrs := cfg.MemberAddrs()
	assert.Equal(t, "localhost:9001", addrs[types.NodeID("n1")])
}

func TestSelfReturnsTypedNodeID(t *testing.T) {
	cfg := Config{NodeID: "n1"}
	assert.Equal(t, types.NodeID("n1"), cfg.Self())
}

func TestDerivedDurationsScaleFromMilliseconds(t *testing.T) {
	cfg := Config{
		ElectionTimeoutMinMS:     150,
		ElectionTimeoutMaxMS:     300,
		HeartbeatIntervalMS:      50,
		RPCTimeoutMS:             1000,
		DirectoryCacheTTLSeconds: 10,
		ReplicationFactor:        3,
		LeaderlessTimeoutMS:      1000,
	}
	cc := cfg.ConsensusConfig()
	assert.Equal(t, 150*time.Millisecond, cc.ElectionTimeoutMin)
	assert.Equal(t, 300*time.Millisecond, cc.ElectionTimeoutMax)
	assert.Equal(t, 50*time.Millisecond, cc.HeartbeatInterval)

	rc := cfg.ReplicationConfig()
	assert.Equal(t, 3, rc.K)
	assert.Equal(t, time.Second, rc.PerReplicaTimeout)
	assert.Equal(t, 2*time.Second, rc.OverallDeadline)

	assert.Equal(t, 10*time.Second, cfg.DirectoryCacheTTL())
	assert.Equal(t, time.Second, cfg.RPCTimeout())
	assert.Equal(t, time.Second, cfg.LeaderlessTimeout())
}
