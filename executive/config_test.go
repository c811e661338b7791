package executive

import (
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func approvedConfigChange(st *state.State, id string, closedAt time.Time, patch map[string]interface{}) {
	closed := closedAt
	st.Channels["dev"].Proposals[id] = &state.Proposal{
		ID: id, Channel: "dev", Title: id, Type: state.ProposalConfigChange,
		Proposer: "a", Status: state.ProposalClosed, Outcome: state.OutcomeApproved,
		Votes: make(map[string]*state.Vote), Params: patch,
		Schema: state.SchemaProposalV1, CreatedAt: closedAt.Add(-time.Hour),
		UpdatedAt: closedAt, ClosedAt: &closed,
	}
}

func TestDeriveConfig_FoldsPatchesInCloseOrder(t *testing.T) {
	st := testState("a")
	approvedConfigChange(st, "p2", t0.Add(2*time.Hour), map[string]interface{}{"transaction_tax_percentage": 0.05})
	approvedConfigChange(st, "p1", t0.Add(time.Hour), map[string]interface{}{"transaction_tax_percentage": 0.03, "auction_max_days": 5})

	cfg, version, updatedAt := DeriveConfig(st, params.DefaultSynapseConfig())
	assert.Equal(t, 0.05, cfg.TaxRate, "the later close wins")
	assert.Equal(t, 5, cfg.AuctionMaxDays)
	assert.Equal(t, uint64(3), version, "base plus two applied patches")
	assert.Equal(t, t0.Add(2*time.Hour), updatedAt)
}

func TestDeriveConfig_IncludesRatifiedCommands(t *testing.T) {
	st := testState("a")
	approvedConfigChange(st, "p1", t0.Add(time.Hour), map[string]interface{}{"transaction_tax_percentage": 0.03})
	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: "p2",
		Channel:    "dev",
		Command: &state.Command{Operation: OpUpdateConfig, Params: map[string]interface{}{
			"validator_set_size": 5,
		}},
		AppendedAt: t0.Add(30 * time.Minute),
	})

	cfg, version, _ := DeriveConfig(st, params.DefaultSynapseConfig())
	assert.Equal(t, 5, cfg.ValidatorSetSize)
	assert.Equal(t, 0.03, cfg.TaxRate)
	assert.Equal(t, uint64(3), version)
}

func TestDeriveConfig_SkipsInvalidPatches(t *testing.T) {
	st := testState("a")
	approvedConfigChange(st, "p1", t0.Add(time.Hour), map[string]interface{}{"no_such_option": true})
	approvedConfigChange(st, "p2", t0.Add(2*time.Hour), map[string]interface{}{"transaction_tax_percentage": 0.03})

	cfg, version, updatedAt := DeriveConfig(st, params.DefaultSynapseConfig())
	assert.Equal(t, 0.03, cfg.TaxRate)
	assert.Equal(t, uint64(2), version, "the bad patch adds no version")
	assert.Equal(t, t0.Add(2*time.Hour), updatedAt)
}

func TestDeriveConfig_Deterministic(t *testing.T) {
	st := testState("a")
	// Two patches share a close time; proposal ID breaks the tie.
	approvedConfigChange(st, "p-b", t0, map[string]interface{}{"transaction_tax_percentage": 0.04})
	approvedConfigChange(st, "p-a", t0, map[string]interface{}{"transaction_tax_percentage": 0.03})

	first, _, _ := DeriveConfig(st, params.DefaultSynapseConfig())
	second, _, _ := DeriveConfig(st, params.DefaultSynapseConfig())
	require.Equal(t, 0.04, first.TaxRate, "p-b sorts after p-a and wins")
	assert.Equal(t, first.TaxRate, second.TaxRate)
}
