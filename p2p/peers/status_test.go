package peers

import (
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func TestStatus_ConnectionLifecycle(t *testing.T) {
	s := NewStatus()
	s.Connected("node-a")
	assert.Equal(t, true, s.IsConnected("node-a"))

	s.Disconnected("node-a")
	assert.Equal(t, false, s.IsConnected("node-a"))
	assert.Equal(t, 0, len(s.ConnectedPeers()))
}

func TestStatus_DialLifecycle(t *testing.T) {
	s := NewStatus()
	s.Dialing("node-a")
	assert.Equal(t, false, s.IsConnected("node-a"))

	s.DialFailed("node-a")
	assert.Equal(t, false, s.IsConnected("node-a"))

	// A failed dial never counts as a dropped session.
	s.Connected("node-a")
	assert.Equal(t, 0, s.peers["node-a"].disconnects)

	// Dialing an already connected peer does not demote it.
	s.Dialing("node-a")
	assert.Equal(t, true, s.IsConnected("node-a"))
}

func TestStatus_PruneStaleDropsOldRecords(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	s := NewStatus()
	s.Connected("live")
	s.Connected("gone")
	s.Disconnected("gone")

	// Age every record past the inactivity timeout.
	s.clock = func() time.Time {
		return time.Now().UTC().Add(2 * params.SynapseConfig().PeerInactivityTimeout)
	}
	s.PruneStale()

	_, liveKept := s.peers["live"]
	assert.Equal(t, true, liveKept, "connected peers are never pruned")
	_, goneKept := s.peers["gone"]
	assert.Equal(t, false, goneKept, "stale disconnected records are dropped")
}

func TestStatus_HeartbeatMissLimit(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	s := NewStatus()
	s.Connected("node-a")

	limit := params.SynapseConfig().MaxMissedHeartbeats
	for i := 0; i < limit-1; i++ {
		assert.Equal(t, false, s.HeartbeatMissed("node-a"))
	}
	assert.Equal(t, true, s.HeartbeatMissed("node-a"), "crossing the limit flags the peer")

	s.HeartbeatSeen("node-a", 20*time.Millisecond)
	assert.Equal(t, false, s.HeartbeatMissed("node-a"), "a heartbeat resets the counter")
}

func TestStatus_ScoreOrdersEviction(t *testing.T) {
	s := NewStatus()
	s.Connected("good")
	s.Connected("bad")
	s.SetReputation("good", 80)
	s.SetReputation("bad", 0)
	s.HeartbeatSeen("good", 10*time.Millisecond)
	s.HeartbeatSeen("bad", 900*time.Millisecond)

	require.Equal(t, true, s.Score("good") > s.Score("bad"))

	victim, ok := s.EvictionCandidate()
	require.Equal(t, true, ok)
	assert.Equal(t, "bad", victim)
}

func TestStatus_ProtectBestShieldsFromEviction(t *testing.T) {
	s := NewStatus()
	s.Connected("only")
	s.SetReputation("only", 50)
	s.ProtectBest()

	_, ok := s.EvictionCandidate()
	assert.Equal(t, false, ok, "protected peers are never evicted")
}
