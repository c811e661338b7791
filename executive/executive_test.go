package executive

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type memCursor struct {
	seq    uint64
	marked map[string]uint64
}

func newMemCursor() *memCursor {
	return &memCursor{marked: make(map[string]uint64)}
}

func (c *memCursor) DispatchedSequence() (uint64, error) {
	return c.seq, nil
}

func (c *memCursor) SaveDispatchedSequence(s uint64) error {
	c.seq = s
	return nil
}

func (c *memCursor) Dispatched(proposalID string) (bool, error) {
	_, ok := c.marked[proposalID]
	return ok, nil
}

func (c *memCursor) MarkDispatched(proposalID string, seq uint64) error {
	c.marked[proposalID] = seq
	return nil
}

type fakeSandbox struct {
	artifact []byte
	applied  string
	err      error
}

func (s *fakeSandbox) Fetch(string) ([]byte, error) {
	return s.artifact, nil
}

func (s *fakeSandbox) Apply(version string, _ []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.applied = version
	return version, nil
}

func testState(members ...string) *state.State {
	st := state.NewState()
	ch := state.EnsureChannel(st, "dev", t0)
	for _, id := range members {
		ch.Participants[id] = t0
		st.Global.Nodes[id] = &state.NodeInfo{ID: id, LastSeen: t0, UpdatedAt: t0}
	}
	return st
}

func TestQuorum(t *testing.T) {
	assert.Equal(t, 1, Quorum(1))
	assert.Equal(t, 2, Quorum(3))
	assert.Equal(t, 4, Quorum(7))
}

func TestSelectValidators_Deterministic(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	cfg.ValidatorSetSize = 2
	st := testState("a", "b", "c")
	// b earns reputation; a and c tie at zero, ID breaks the tie.
	st.Channels["dev"].Tasks["rep"] = &state.Task{
		ID: "rep", Channel: "dev", Title: "rep", Reward: 1,
		Status: state.TaskCompleted, Creator: "a", Assignee: "b",
		Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: t0,
	}

	set := SelectValidators(st, t0, cfg)
	require.Equal(t, 2, len(set))
	assert.Equal(t, "b", set[0])
	assert.Equal(t, "a", set[1])
}

func TestSelectValidators_SkipsStaleNodes(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	st := testState("a", "b")
	st.Global.Nodes["b"].LastSeen = t0.Add(-2 * cfg.PeerInactivityTimeout)

	set := SelectValidators(st, t0, cfg)
	require.Equal(t, 1, len(set))
	assert.Equal(t, "a", set[0])
}

func TestSelectValidators_MinUptime(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	st := testState("a", "b")
	st.Global.Nodes["a"].OnlineSince = t0.Add(-2 * cfg.ValidatorMinUptime)
	st.Global.Nodes["b"].OnlineSince = t0.Add(-cfg.ValidatorMinUptime / 2)

	set := SelectValidators(st, t0, cfg)
	require.Equal(t, 1, len(set))
	assert.Equal(t, "a", set[0], "a node online for half the required uptime must not validate")
}

func TestSelectValidators_UptimeWaivedOnFreshNetwork(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	st := testState("a", "b")
	// Nobody has been online long enough yet; the requirement is waived so
	// the network can bootstrap a validator set at all.
	set := SelectValidators(st, t0, cfg)
	assert.Equal(t, 2, len(set))
}

func TestRotateValidators_RespectsPeriod(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	st := testState("a", "b")
	assert.Equal(t, true, RotateValidators(st, t0, cfg), "first rotation populates the set")
	assert.Equal(t, false, RotateValidators(st, t0.Add(time.Second), cfg), "within the period nothing rotates")
}

func TestRatify_QuorumCommitsToLog(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	st := testState("a", "b", "c")
	st.Global.ValidatorSet = []string{"a", "b", "c"}
	st.Global.ValidatorSetUpdatedAt = t0
	st.Global.PendingOperations["p1"] = &state.PendingOperation{
		ProposalID:    "p1",
		Channel:       "dev",
		Command:       &state.Command{Operation: OpArchiveChannel, Params: map[string]interface{}{"channel": "dev"}},
		Ratifications: make(map[string]time.Time),
		CreatedAt:     t0,
	}

	committed, err := Ratify(st, t0, cfg, "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, false, committed, "one of three is below quorum")

	_, err = Ratify(st, t0, cfg, "p1", "a")
	require.ErrorContains(t, "already ratified", err)

	_, err = Ratify(st, t0, cfg, "p1", "outsider")
	require.ErrorContains(t, "not a validator", err)

	committed, err = Ratify(st, t0.Add(time.Second), cfg, "p1", "b")
	require.NoError(t, err)
	assert.Equal(t, true, committed)

	require.Equal(t, 1, len(st.Global.ExecutionLog))
	entry := st.Global.ExecutionLog[0]
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.DeepEqual(t, []string{"a", "b"}, entry.Ratifiers)
	assert.Equal(t, 0, len(st.Global.PendingOperations), "committed operation leaves the pending registry")
}

func TestDispatch_SplitChannel(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultSynapseConfig()
	st := testState("a", "b")
	ch := st.Channels["dev"]
	ch.Tasks["t-backend"] = &state.Task{
		ID: "t-backend", Channel: "dev", Title: "api work", Reward: 10,
		Status: state.TaskOpen, Creator: "a", Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: t0,
	}
	ch.Tasks["t-frontend"] = &state.Task{
		ID: "t-frontend", Channel: "dev", Title: "ui work", Reward: 10,
		Status: state.TaskOpen, Creator: "b", Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: t0,
	}

	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p1",
		Channel:    "dev",
		Command: &state.Command{Operation: OpSplitChannel, Params: map[string]interface{}{
			"source":      "dev",
			"targets":     []interface{}{"dev-backend", "dev-frontend"},
			"split_logic": SplitExplicit,
			"split_params": map[string]interface{}{
				"t-frontend": "dev-frontend",
			},
		}},
		Ratifiers:  []string{"a"},
		AppendedAt: t0,
	})

	cursor := newMemCursor()
	d := &Dispatcher{Cursor: cursor}
	n, err := d.Dispatch(st, t0.Add(time.Minute), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), cursor.seq)

	require.NotNil(t, st.Channels["dev-backend"])
	require.NotNil(t, st.Channels["dev-frontend"])
	assert.Equal(t, true, st.Channels["dev"].Archived)
	assert.DeepEqual(t, []string{"dev-backend", "dev-frontend"}, st.Channels["dev"].SplitInto)
	require.NotNil(t, st.Channels["dev-backend"].Tasks["t-backend"], "unrouted tasks land on the first target")
	require.NotNil(t, st.Channels["dev-frontend"].Tasks["t-frontend"])
	assert.Equal(t, "dev-frontend", st.Channels["dev-frontend"].Tasks["t-frontend"].Channel)

	result := st.Global.ExecutionResults["p1"]
	require.NotNil(t, result)
	assert.Equal(t, true, result.Success)

	// Replay after losing the cursor is a no-op thanks to idempotence.
	d2 := &Dispatcher{Cursor: newMemCursor()}
	n, err = d2.Dispatch(st, t0.Add(2*time.Minute), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, true, st.Global.ExecutionResults["p1"].Success)
}

func TestDispatch_SplitChannelByTag(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultSynapseConfig()
	st := testState("a")
	ch := st.Channels["dev"]
	ch.Tasks["t1"] = &state.Task{
		ID: "t1", Channel: "dev", Title: "api", Tags: []string{"backend"}, Reward: 5,
		Status: state.TaskOpen, Creator: "a", Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: t0,
	}
	ch.Tasks["t2"] = &state.Task{
		ID: "t2", Channel: "dev", Title: "ui", Tags: []string{"frontend"}, Reward: 5,
		Status: state.TaskOpen, Creator: "a", Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: t0,
	}
	ch.Tasks["t3"] = &state.Task{
		ID: "t3", Channel: "dev", Title: "untagged", Reward: 5,
		Status: state.TaskOpen, Creator: "a", Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: t0,
	}
	ch.Proposals["pr1"] = &state.Proposal{
		ID: "pr1", Channel: "dev", Title: "ui rework", Tags: []string{"frontend"},
		Type: state.ProposalGeneric, Status: state.ProposalOpen, Proposer: "a",
		Schema: state.SchemaProposalV1, CreatedAt: t0, UpdatedAt: t0,
	}

	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p-split",
		Channel:    "dev",
		Command: &state.Command{Operation: OpSplitChannel, Params: map[string]interface{}{
			"source":      "dev",
			"targets":     []interface{}{"dev-backend", "dev-frontend"},
			"split_logic": SplitByTag,
			"split_params": map[string]interface{}{
				"backend":  "dev-backend",
				"frontend": "dev-frontend",
			},
		}},
		AppendedAt: t0,
	})

	d := &Dispatcher{Cursor: newMemCursor()}
	_, err := d.Dispatch(st, t0.Add(time.Minute), cfg)
	require.NoError(t, err)

	require.NotNil(t, st.Channels["dev-backend"].Tasks["t1"])
	require.NotNil(t, st.Channels["dev-frontend"].Tasks["t2"])
	require.NotNil(t, st.Channels["dev-backend"].Tasks["t3"], "tagless records land on the first target")
	require.NotNil(t, st.Channels["dev-frontend"].Proposals["pr1"], "proposals route by tag too")
	assert.Equal(t, "dev-frontend", st.Channels["dev-frontend"].Proposals["pr1"].Channel)
}

func TestDispatch_UpdateConfigReportsOnly(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultSynapseConfig()
	st := testState("a")
	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p1",
		Channel:    "dev",
		Command: &state.Command{Operation: OpUpdateConfig, Params: map[string]interface{}{
			"transaction_tax_percentage": 0.05,
		}},
		AppendedAt: t0,
	})

	d := &Dispatcher{Cursor: newMemCursor()}
	_, err := d.Dispatch(st, t0, cfg)
	require.NoError(t, err)

	result := st.Global.ExecutionResults["p1"]
	require.NotNil(t, result)
	assert.Equal(t, true, result.Success)
	assert.DeepEqual(t, []string{"transaction_tax_percentage"}, result.Detail["options"])
	// The dispatcher only validates the patch; installation happens when the
	// node folds the log through DeriveConfig.
	assert.Equal(t, 0.02, params.SynapseConfig().TaxRate)
}

func TestDispatch_FailureDoesNotHaltLog(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultSynapseConfig()
	st := testState("a")
	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p-bad", Channel: "dev",
		Command:    &state.Command{Operation: "no_such_operation"},
		AppendedAt: t0,
	})
	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p-good", Channel: "dev",
		Command:    &state.Command{Operation: OpArchiveChannel, Params: map[string]interface{}{"channel": "dev"}},
		AppendedAt: t0.Add(time.Second),
	})

	d := &Dispatcher{Cursor: newMemCursor()}
	n, err := d.Dispatch(st, t0.Add(time.Minute), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, false, st.Global.ExecutionResults["p-bad"].Success)
	assert.Equal(t, true, st.Global.ExecutionResults["p-good"].Success)
	assert.Equal(t, true, st.Channels["dev"].Archived)
}

func TestDispatch_ResequencedLogDoesNotReplay(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultSynapseConfig()
	st := testState("a")
	state.EnsureChannel(st, "old-a", t0)
	state.EnsureChannel(st, "old-b", t0)

	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p-late", Channel: "dev",
		Command:    &state.Command{Operation: OpArchiveChannel, Params: map[string]interface{}{"channel": "old-a"}},
		AppendedAt: t0.Add(time.Minute),
	})

	cursor := newMemCursor()
	d := &Dispatcher{Cursor: cursor}
	n, err := d.Dispatch(st, t0.Add(time.Hour), cfg)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A merge delivers an entry ratified earlier elsewhere: the canonical
	// order now puts it first and renumbers the already-dispatched entry.
	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p-early", Channel: "dev",
		Command:    &state.Command{Operation: OpArchiveChannel, Params: map[string]interface{}{"channel": "old-b"}},
		AppendedAt: t0,
	})
	require.Equal(t, uint64(1), st.Global.ExecutionLog[0].Sequence)
	assert.Equal(t, "p-early", st.Global.ExecutionLog[0].ProposalID)
	assert.Equal(t, uint64(2), st.Global.ExecutionLog[1].Sequence)

	n, err = d.Dispatch(st, t0.Add(2*time.Hour), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the merged-in entry runs; the renumbered one is already marked")
	assert.Equal(t, true, st.Channels["old-b"].Archived)
}

func TestDispatch_ExecuteUpgrade(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultSynapseConfig()
	artifact := []byte("upgrade-payload-v2")
	sum := sha256.Sum256(artifact)

	st := testState("a")
	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p-up", Channel: "dev",
		Command: &state.Command{Operation: OpExecuteUpgrade, Params: map[string]interface{}{
			"version":      "2.0.0",
			"package_url":  "https://packages.example/synapse-2.0.0.tgz",
			"package_hash": hex.EncodeToString(sum[:]),
		}},
		AppendedAt: t0,
	})

	sandbox := &fakeSandbox{artifact: artifact}
	d := &Dispatcher{Cursor: newMemCursor(), Sandbox: sandbox}
	_, err := d.Dispatch(st, t0, cfg)
	require.NoError(t, err)

	result := st.Global.ExecutionResults["p-up"]
	require.NotNil(t, result)
	assert.Equal(t, true, result.Success)
	assert.Equal(t, "2.0.0", sandbox.applied)
	assert.Equal(t, "2.0.0", result.Detail["new_version"])
}

func TestDispatch_ExecuteUpgradeHashMismatch(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.DefaultSynapseConfig()
	st := testState("a")
	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p-up", Channel: "dev",
		Command: &state.Command{Operation: OpExecuteUpgrade, Params: map[string]interface{}{
			"version":      "2.0.0",
			"package_url":  "https://packages.example/synapse-2.0.0.tgz",
			"package_hash": "deadbeef",
		}},
		AppendedAt: t0,
	})

	sandbox := &fakeSandbox{artifact: []byte("tampered"), err: errors.New("unreachable")}
	d := &Dispatcher{Cursor: newMemCursor(), Sandbox: sandbox}
	_, err := d.Dispatch(st, t0, cfg)
	require.NoError(t, err, "a failing command must not halt the dispatcher")

	result := st.Global.ExecutionResults["p-up"]
	require.NotNil(t, result)
	assert.Equal(t, false, result.Success)
	require.ErrorContains(t, "hash mismatch", errors.New(result.Error))
	assert.Equal(t, "", sandbox.applied, "a mismatched artifact never reaches the sandbox")
}
