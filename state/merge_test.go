package state

import (
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTask(id string, status TaskStatus, updated time.Time) *Task {
	return &Task{
		ID:        id,
		Channel:   "dev",
		Title:     "task " + id,
		Reward:    100,
		Status:    status,
		Creator:   "creator",
		Schema:    SchemaTaskV1,
		CreatedAt: t0,
		UpdatedAt: updated,
	}
}

func TestMergeTask_DoubleClaimEarliestWins(t *testing.T) {
	a := newTask("t1", TaskClaimed, t0.Add(2*time.Minute))
	a.Assignee = "node-b"
	b := newTask("t1", TaskClaimed, t0.Add(1*time.Minute))
	b.Assignee = "node-a"

	merged := mergeTask(a, b)
	assert.Equal(t, "node-a", merged.Assignee, "earliest claim should win")

	// Merging in the opposite order converges to the same assignee.
	merged = mergeTask(b, a)
	assert.Equal(t, "node-a", merged.Assignee)
}

func TestMergeTask_DoubleClaimTieBreaksOnAssignee(t *testing.T) {
	a := newTask("t1", TaskClaimed, t0)
	a.Assignee = "node-z"
	b := newTask("t1", TaskClaimed, t0)
	b.Assignee = "node-a"

	assert.Equal(t, "node-a", mergeTask(a, b).Assignee)
	assert.Equal(t, "node-a", mergeTask(b, a).Assignee)
}

func TestMergeTask_TerminalStatusSticky(t *testing.T) {
	done := newTask("t1", TaskCompleted, t0.Add(time.Minute))
	stale := newTask("t1", TaskOpen, t0.Add(time.Hour))

	merged := mergeTask(done, stale)
	assert.Equal(t, TaskCompleted, merged.Status, "completed task must not reopen")
}

func TestMergeChannel_RejectsRecordsFailingSchema(t *testing.T) {
	local := NewChannel("dev", t0)
	in := NewChannel("dev", t0)
	good := newTask("good", TaskOpen, t0)
	unknown := newTask("unknown", TaskOpen, t0)
	unknown.Schema = "task_v9"
	negative := newTask("negative", TaskOpen, t0)
	negative.Reward = -5
	in.Tasks[good.ID] = good
	in.Tasks[unknown.ID] = unknown
	in.Tasks[negative.ID] = negative

	changed := MergeChannel(local, in)
	require.Equal(t, true, changed)
	require.Equal(t, 1, len(local.Tasks), "only the valid task may merge")
	_, ok := local.Tasks["good"]
	assert.Equal(t, true, ok)
}

func TestMergeProposal_VotesUnion(t *testing.T) {
	base := func() *Proposal {
		return &Proposal{
			ID:        "p1",
			Channel:   "dev",
			Title:     "proposal",
			Type:      ProposalGeneric,
			Proposer:  "node-a",
			Status:    ProposalOpen,
			Outcome:   OutcomePending,
			Votes:     make(map[string]*Vote),
			Schema:    SchemaProposalV1,
			CreatedAt: t0,
			UpdatedAt: t0,
		}
	}
	a := base()
	a.Votes["node-a"] = &Vote{Value: VoteYes, Timestamp: t0.Add(time.Minute)}
	b := base()
	b.Votes["node-b"] = &Vote{Value: VoteNo, Timestamp: t0.Add(2 * time.Minute)}
	// node-a changed their mind on the other replica.
	b.Votes["node-a"] = &Vote{Value: VoteNo, Timestamp: t0.Add(3 * time.Minute)}

	merged := mergeProposal(a, b)
	require.Equal(t, 2, len(merged.Votes))
	assert.Equal(t, VoteNo, merged.Votes["node-a"].Value, "latest ballot per voter should win")
	assert.Equal(t, VoteNo, merged.Votes["node-b"].Value)
}

func TestMergeProposal_AnonymousVotesDedupByNullifier(t *testing.T) {
	base := func() *Proposal {
		return &Proposal{
			ID:        "p1",
			Channel:   "dev",
			Title:     "proposal",
			Type:      ProposalGeneric,
			Proposer:  "node-a",
			Status:    ProposalOpen,
			Outcome:   OutcomePending,
			Votes:     make(map[string]*Vote),
			Schema:    SchemaProposalV1,
			CreatedAt: t0,
			UpdatedAt: t0,
		}
	}
	a := base()
	a.AnonymousVotes = []*AnonymousVote{
		{Value: VoteYes, Tier: "expert", Nullifier: "n1", Timestamp: t0.Add(time.Minute)},
	}
	b := base()
	b.AnonymousVotes = []*AnonymousVote{
		{Value: VoteNo, Tier: "expert", Nullifier: "n1", Timestamp: t0.Add(2 * time.Minute)},
		{Value: VoteYes, Tier: "novice", Nullifier: "n2", Timestamp: t0.Add(time.Minute)},
	}

	merged := mergeProposal(a, b)
	require.Equal(t, 2, len(merged.AnonymousVotes), "nullifier n1 must appear once")
}

func TestMergeGlobal_ExecutionLogResequences(t *testing.T) {
	cmd := &Command{Operation: "update_config"}
	local := NewState().Global
	AppendLogEntry(local, &LogEntry{ProposalID: "p2", Channel: "global", Command: cmd, AppendedAt: t0.Add(2 * time.Minute)})

	remote := NewState().Global
	AppendLogEntry(remote, &LogEntry{ProposalID: "p1", Channel: "global", Command: cmd, AppendedAt: t0.Add(time.Minute)})
	AppendLogEntry(remote, &LogEntry{ProposalID: "p2", Channel: "global", Command: cmd, AppendedAt: t0.Add(2 * time.Minute)})

	MergeGlobal(local, remote)
	require.Equal(t, 2, len(local.ExecutionLog))
	assert.Equal(t, "p1", local.ExecutionLog[0].ProposalID)
	assert.Equal(t, uint64(1), local.ExecutionLog[0].Sequence)
	assert.Equal(t, "p2", local.ExecutionLog[1].ProposalID)
	assert.Equal(t, uint64(2), local.ExecutionLog[1].Sequence)
}

func TestMergeState_Convergence(t *testing.T) {
	build := func() (*State, *State) {
		a := NewState()
		chA := EnsureChannel(a, "dev", t0)
		chA.Participants["node-a"] = t0
		chA.Tasks["t1"] = newTask("t1", TaskOpen, t0)

		b := NewState()
		chB := EnsureChannel(b, "dev", t0)
		chB.Participants["node-b"] = t0.Add(time.Minute)
		task := newTask("t1", TaskClaimed, t0.Add(time.Minute))
		task.Assignee = "node-b"
		chB.Tasks["t1"] = task
		chB.Tasks["t2"] = newTask("t2", TaskOpen, t0)
		return a, b
	}

	a1, b1 := build()
	MergeState(a1, b1)
	a2, b2 := build()
	MergeState(b2, a2)

	dA := ChannelDigest(a1.Channels["dev"])
	dB := ChannelDigest(b2.Channels["dev"])
	assert.Equal(t, true, dA.Equal(dB), "merge order must not matter")
	require.Equal(t, 2, len(a1.Channels["dev"].Tasks))
	assert.Equal(t, "node-b", a1.Channels["dev"].Tasks["t1"].Assignee)
}

func TestMergeState_Idempotent(t *testing.T) {
	a := NewState()
	ch := EnsureChannel(a, "dev", t0)
	ch.Tasks["t1"] = newTask("t1", TaskOpen, t0)

	b := CopyState(a)
	changed := MergeState(a, b)
	assert.Equal(t, false, changed, "merging an identical state must be a no-op")
}

func TestDigest_DivergentClasses(t *testing.T) {
	a := NewChannel("dev", t0)
	b := NewChannel("dev", t0)
	b.Tasks["t1"] = newTask("t1", TaskOpen, t0)

	diff := ChannelDigest(a).DivergentClasses(ChannelDigest(b))
	require.Equal(t, 1, len(diff))
	assert.Equal(t, ClassTasks, diff[0])
}

func TestMergeTool_PaymentsAccumulate(t *testing.T) {
	a := &CommonTool{ID: "tool-1", Type: "llm_api", MonthlyCost: 50, Status: ToolActive, PaymentsMade: 2, UpdatedAt: t0}
	b := &CommonTool{ID: "tool-1", Type: "llm_api", MonthlyCost: 50, Status: ToolActive, PaymentsMade: 3, UpdatedAt: t0.Add(-time.Minute)}

	merged := mergeTool(a, b)
	assert.Equal(t, int64(3), merged.PaymentsMade, "payment count never regresses")
}
