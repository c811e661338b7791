package sync

import (
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func stateWithTask(taskID string, updated time.Time) *state.State {
	st := state.NewState()
	ch := state.EnsureChannel(st, "dev", t0)
	ch.Participants["node-a"] = t0
	ch.Tasks[taskID] = &state.Task{
		ID: taskID, Channel: "dev", Title: "work", Reward: 10,
		Status: state.TaskOpen, Creator: "node-a",
		Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: updated,
	}
	return st
}

func TestBuildResponse_OnlyDivergingShards(t *testing.T) {
	local := stateWithTask("t1", t0)
	remoteDigests := state.Digests(state.CopyState(local))

	resp := BuildResponse(local, remoteDigests)
	assert.Equal(t, 0, len(resp.Channels), "identical digests ship nothing")
	assert.Equal(t, (*state.Global)(nil), resp.Global)

	// Remote is missing a channel entirely.
	resp = BuildResponse(local, map[string]*state.Digest{})
	require.Equal(t, 1, len(resp.Channels))
	require.NotNil(t, resp.Channels["dev"])
	require.NotNil(t, resp.Global)
}

func TestApplyResponse_Converges(t *testing.T) {
	a := stateWithTask("t1", t0)
	b := stateWithTask("t2", t0)

	// One full round trip: b answers a's digests, a merges, then the
	// reverse direction.
	respForA := BuildResponse(b, state.Digests(a))
	require.Equal(t, true, ApplyResponse(a, respForA))
	respForB := BuildResponse(a, state.Digests(b))
	require.Equal(t, true, ApplyResponse(b, respForB))

	dA := state.Digests(a)["dev"]
	dB := state.Digests(b)["dev"]
	assert.Equal(t, true, dA.Equal(dB), "both replicas hold both tasks")
	assert.Equal(t, 2, len(a.Channels["dev"].Tasks))

	// A third exchange is a no-op.
	assert.Equal(t, false, ApplyResponse(a, BuildResponse(b, state.Digests(a))))
}
