package executive

import (
	"sort"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
)

type configPatch struct {
	at    time.Time
	id    string
	patch map[string]interface{}
}

// DeriveConfig folds every config mutation recorded in the replicated state
// onto the node's startup parameters: approved config_change proposals act
// at their close time, ratified update_config commands at their append
// time. The fold order is (timestamp, proposal id), so nodes sharing a
// state derive the same active parameters. Patches that fail to validate
// are skipped on every node alike. Returns the folded config, its version
// (the base counts as 1, each applied patch adds one) and the timestamp of
// the last applied patch.
func DeriveConfig(st *state.State, base *params.SynapseNetworkConfig) (*params.SynapseNetworkConfig, uint64, time.Time) {
	var patches []configPatch
	for _, ch := range st.Channels {
		for _, p := range ch.Proposals {
			if p.Type != state.ProposalConfigChange || p.Outcome != state.OutcomeApproved || p.ClosedAt == nil {
				continue
			}
			patches = append(patches, configPatch{at: *p.ClosedAt, id: p.ID, patch: p.Params})
		}
	}
	for _, entry := range st.Global.ExecutionLog {
		if entry.Command == nil || entry.Command.Operation != OpUpdateConfig {
			continue
		}
		patches = append(patches, configPatch{at: entry.AppendedAt, id: entry.ProposalID, patch: entry.Command.Params})
	}
	sort.Slice(patches, func(i, j int) bool {
		if !patches[i].at.Equal(patches[j].at) {
			return patches[i].at.Before(patches[j].at)
		}
		return patches[i].id < patches[j].id
	})

	cfg := base
	version := uint64(1)
	var updatedAt time.Time
	for _, p := range patches {
		next, err := cfg.ApplyPatch(p.patch)
		if err != nil {
			log.WithError(err).WithField("proposalID", p.id).Debug("Skipping config patch that does not validate")
			continue
		}
		cfg = next
		version++
		updatedAt = p.at
	}
	return cfg, version, updatedAt
}
