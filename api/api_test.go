package api

import (
	"bytes"
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

// twoNodeAPIs returns two operation surfaces over one shared store, which
// stands in for two fully converged replicas.
func twoNodeAPIs(t *testing.T) (*API, *API) {
	params.SetupTestConfigCleanup(t)
	idA := identity.FromSeed(bytes.Repeat([]byte{1}, 32))
	idB := identity.FromSeed(bytes.Repeat([]byte{2}, 32))
	store := state.NewStore(idA.NodeID())
	a := New(store, idA)
	b := New(store, idB)
	require.NoError(t, a.CreateChannel("dev"))
	require.NoError(t, b.JoinChannel("dev"))
	return a, b
}

func TestTaskLifecycle(t *testing.T) {
	a, b := twoNodeAPIs(t)
	cfg := params.SynapseConfig()

	taskID, err := a.CreateTask("dev", &TaskRequest{Title: "write docs", Reward: 10})
	require.NoError(t, err)

	err = a.ClaimTask("dev", taskID)
	require.ErrorContains(t, "creator cannot claim", err)

	require.NoError(t, b.ClaimTask("dev", taskID))
	require.NoError(t, b.ProgressTask("dev", taskID))
	require.NoError(t, b.CompleteTask("dev", taskID))

	st := a.Store().Snapshot()
	assert.Equal(t, int64(990), economy.Balance(st, a.NodeID(), cfg))
	assert.Equal(t, int64(1009), economy.Balance(st, b.NodeID(), cfg))
	assert.Equal(t, int64(1), economy.Treasury(st, "dev", cfg))
}

func TestCreateTask_InsufficientBalance(t *testing.T) {
	a, _ := twoNodeAPIs(t)
	_, err := a.CreateTask("dev", &TaskRequest{Title: "too expensive", Reward: 1500})
	require.ErrorContains(t, "insufficient balance", err)
	assert.Equal(t, state.KindConflict, state.KindOf(err))
}

func TestCancelTask_OnlyWhileOpen(t *testing.T) {
	a, b := twoNodeAPIs(t)
	taskID, err := a.CreateTask("dev", &TaskRequest{Title: "short lived", Reward: 10})
	require.NoError(t, err)
	require.NoError(t, b.ClaimTask("dev", taskID))

	err = a.CancelTask("dev", taskID)
	require.ErrorContains(t, "task", err)
	assert.Equal(t, state.KindConflict, state.KindOf(err))
}

func TestAuctionFlow(t *testing.T) {
	a, b := twoNodeAPIs(t)
	deadline := a.Store().Now().Add(time.Hour)
	taskID, err := a.CreateAuctionTask("dev", &TaskRequest{Title: "auctioned"}, 100, 1, deadline)
	require.NoError(t, err)

	err = a.PlaceBid("dev", taskID, 40, 3)
	require.ErrorContains(t, "creator cannot bid", err)

	require.NoError(t, b.PlaceBid("dev", taskID, 40, 3))
	err = b.ClaimTask("dev", taskID)
	require.ErrorContains(t, "under auction", err)

	// Past the deadline the sweep settles the auction.
	require.NoError(t, a.Store().Update(func(st *state.State, now time.Time) error {
		economy.SweepAuctions(st, deadline.Add(time.Minute), a.Config())
		return nil
	}))
	st := a.Store().Snapshot()
	task := st.Channels["dev"].Tasks[taskID]
	assert.Equal(t, b.NodeID(), task.Assignee)
	assert.Equal(t, int64(40), task.Reward)
}

func TestOnChangeNotifications(t *testing.T) {
	a, _ := twoNodeAPIs(t)
	var touched []string
	a.OnChange = func(channel string) { touched = append(touched, channel) }

	_, err := a.CreateTask("dev", &TaskRequest{Title: "observable", Reward: 5})
	require.NoError(t, err)
	require.Equal(t, 1, len(touched))
	assert.Equal(t, "dev", touched[0])
}

func TestUpdateSkills(t *testing.T) {
	a, _ := twoNodeAPIs(t)
	require.NoError(t, a.UpdateSkills("dev", []string{"golang", "crdt"}, "plumber"))
	st := a.Store().Snapshot()
	profile := st.Channels["dev"].Skills[a.NodeID()]
	require.NotNil(t, profile)
	assert.DeepEqual(t, []string{"golang", "crdt"}, profile.Skills)
}

func TestJoinChannel_MembershipIsPermanent(t *testing.T) {
	_, b := twoNodeAPIs(t)
	err := b.JoinChannel("dev")
	require.ErrorContains(t, "already a member", err)
	assert.Equal(t, state.KindConflict, state.KindOf(err))
}
