package health

import (
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func TestEvaluate(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := state.NewState()
	st.Global.Nodes["node-a"] = &state.NodeInfo{ID: "node-a", LastSeen: t0, UpdatedAt: t0}

	findings := Evaluate(st, cfg.HealthTargets.MinConnectedPeers, t0, cfg)
	assert.Equal(t, 0, len(findings), "a healthy node has no findings")

	findings = Evaluate(st, 0, t0, cfg)
	require.Equal(t, 1, len(findings))
	assert.Equal(t, "peer_count", findings[0].Check)
}

func TestEvaluate_ProposalBacklog(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	cfg.HealthTargets.MaxProposalBacklog = 1
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := state.NewState()
	ch := state.EnsureChannel(st, "dev", t0)
	for _, id := range []string{"p1", "p2"} {
		ch.Proposals[id] = &state.Proposal{
			ID: id, Channel: "dev", Title: id, Type: state.ProposalGeneric,
			Proposer: "node-a", Status: state.ProposalOpen, Outcome: state.OutcomePending,
			Votes: map[string]*state.Vote{}, Schema: state.SchemaProposalV1,
			CreatedAt: t0, UpdatedAt: t0,
		}
	}

	findings := Evaluate(st, cfg.HealthTargets.MinConnectedPeers, t0, cfg)
	require.Equal(t, 1, len(findings))
	assert.Equal(t, "proposal_backlog", findings[0].Check)
	require.NotNil(t, findings[0].Patch, "backlog breach should suggest a remedy")
	assert.Equal(t, (cfg.ProposalAutoClose / 2).String(), findings[0].Patch["proposal_auto_close_after"])

	// The suggested remedy must survive the config applier.
	_, err := cfg.ApplyPatch(findings[0].Patch)
	require.NoError(t, err)
}

func TestEvaluate_PeerCountHasNoRemedy(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := state.NewState()

	findings := Evaluate(st, 0, t0, cfg)
	require.Equal(t, 1, len(findings))
	assert.Equal(t, "peer_count", findings[0].Check)
	assert.Equal(t, true, findings[0].Patch == nil, "connectivity is not a config problem")
}

func TestEvaluate_PendingOperationsSuggestsFasterRotation(t *testing.T) {
	cfg := params.DefaultSynapseConfig()
	cfg.HealthTargets.MaxPendingOps = 0
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := state.NewState()
	st.Global.PendingOperations["p1"] = &state.PendingOperation{
		ProposalID:    "p1",
		Channel:       "dev",
		Command:       &state.Command{Operation: "update_config", Params: map[string]interface{}{"transaction_tax_percentage": 0.03}},
		Ratifications: map[string]time.Time{},
	}

	findings := Evaluate(st, cfg.HealthTargets.MinConnectedPeers, t0, cfg)
	require.Equal(t, 1, len(findings))
	assert.Equal(t, "pending_operations", findings[0].Check)
	require.NotNil(t, findings[0].Patch)
	assert.Equal(t, (cfg.ValidatorRotationPeriod / 2).String(), findings[0].Patch["validator_rotation_period"])

	_, err := cfg.ApplyPatch(findings[0].Patch)
	require.NoError(t, err)
}
