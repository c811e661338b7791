package executive

import (
	"sort"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
)

// Ratify records a validator's signature on a pending operation. When the
// operation reaches quorum it is appended to the execution log and removed
// from the pending registry. Returns true when the command was committed.
func Ratify(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig, proposalID, validator string) (bool, error) {
	if !IsValidator(st, validator) {
		return false, state.Authorizationf("%s is not a validator", validator)
	}
	op, ok := st.Global.PendingOperations[proposalID]
	if !ok {
		return false, state.NotFoundf("no pending operation for proposal %s", proposalID)
	}
	if _, dup := op.Ratifications[validator]; dup {
		return false, state.Conflictf("%s already ratified %s", validator, proposalID)
	}
	op.Ratifications[validator] = now

	quorum := Quorum(len(st.Global.ValidatorSet))
	if len(op.Ratifications) < quorum {
		log.WithField("proposalID", proposalID).WithField("ratifications", len(op.Ratifications)).WithField("quorum", quorum).Info("Recorded ratification")
		return false, nil
	}

	ratifiers := make([]string, 0, len(op.Ratifications))
	for v := range op.Ratifications {
		ratifiers = append(ratifiers, v)
	}
	sort.Strings(ratifiers)

	state.AppendLogEntry(st.Global, &state.LogEntry{
		ProposalID: proposalID,
		Channel:    op.Channel,
		Command:    op.Command,
		Ratifiers:  ratifiers,
		AppendedAt: now,
	})
	delete(st.Global.PendingOperations, proposalID)
	log.WithField("proposalID", proposalID).WithField("operation", op.Command.Operation).Info("Command reached quorum, appended to execution log")
	return true, nil
}
