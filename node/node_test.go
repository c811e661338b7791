package node

import (
	"bytes"
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/api"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/encoding/canonical"
	"github.com/synapse-ng/synapse-ng/health"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/synapsesub"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testNode(t *testing.T, seed byte) *SynapseNode {
	t.Helper()
	id := identity.FromSeed(bytes.Repeat([]byte{seed}, 32))
	store := state.NewStore(id.NodeID())
	store.SetClock(func() time.Time { return t0 })
	require.NoError(t, store.Update(func(st *state.State, now time.Time) error {
		ch := state.EnsureChannel(st, state.GlobalChannel, now)
		ch.Participants[id.NodeID()] = now
		st.Global.Nodes[id.NodeID()] = &state.NodeInfo{ID: id.NodeID(), LastSeen: now, UpdatedAt: now}
		return nil
	}))
	n := &SynapseNode{identity: id, store: store}
	n.api = api.New(store, id)
	return n
}

func TestOnChannelMessage_MergesRemoteShard(t *testing.T) {
	n := testNode(t, 1)
	remote := testNode(t, 2)
	require.NoError(t, remote.api.CreateChannel("dev"))
	_, err := remote.api.CreateTask("dev", &api.TaskRequest{Title: "wire the relay", Reward: 25})
	require.NoError(t, err)

	buf, err := canonical.Marshal(remote.store.SnapshotChannel("dev"))
	require.NoError(t, err)
	n.onChannelMessage(&synapsesub.Message{
		Topic:   stateTopic("dev"),
		Payload: buf,
		Origin:  remote.identity.NodeID(),
	})

	ch := n.store.SnapshotChannel("dev")
	require.NotNil(t, ch)
	assert.Equal(t, 1, len(ch.Tasks))
}

func TestOnChannelMessage_RejectsTopicMismatch(t *testing.T) {
	n := testNode(t, 1)
	remote := testNode(t, 2)
	require.NoError(t, remote.api.CreateChannel("dev"))

	buf, err := canonical.Marshal(remote.store.SnapshotChannel("dev"))
	require.NoError(t, err)
	n.onChannelMessage(&synapsesub.Message{
		Topic:   stateTopic("ops"),
		Payload: buf,
		Origin:  remote.identity.NodeID(),
	})

	assert.Equal(t, (*state.Channel)(nil), n.store.SnapshotChannel("dev"))
}

func TestOnFinding_DeduplicatesOpenProposals(t *testing.T) {
	n := testNode(t, 1)
	f := health.Finding{Check: "peer_count", Detail: "connected to 0 peers, want at least 1"}

	n.onFinding(f)
	n.onFinding(f)

	ch := n.store.SnapshotChannel(state.GlobalChannel)
	require.NotNil(t, ch)
	assert.Equal(t, 1, len(ch.Proposals))
}

func TestOnFinding_RemedyOpensConfigChange(t *testing.T) {
	n := testNode(t, 1)
	n.onFinding(health.Finding{
		Check:  "proposal_backlog",
		Detail: "51 open proposals in global, want at most 50",
		Patch:  map[string]interface{}{"proposal_auto_close_after": "12h0m0s"},
	})

	ch := n.store.SnapshotChannel(state.GlobalChannel)
	require.NotNil(t, ch)
	require.Equal(t, 1, len(ch.Proposals))
	for _, p := range ch.Proposals {
		assert.Equal(t, state.ProposalConfigChange, p.Type)
		assert.Equal(t, "12h0m0s", p.Params["proposal_auto_close_after"])
	}
}
