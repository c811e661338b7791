package executive

import (
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
)

// Cursor persists the dispatcher's position across restarts. The sequence
// watermark locates the log tail after a recovery; the per-proposal marks
// keep replay idempotent when a merge resequences entries around the
// watermark.
type Cursor interface {
	DispatchedSequence() (uint64, error)
	SaveDispatchedSequence(seq uint64) error
	Dispatched(proposalID string) (bool, error)
	MarkDispatched(proposalID string, seq uint64) error
}

// Dispatcher consumes the execution log and applies each command's
// deterministic effect. Sandbox handles execute_upgrade commands; leaving
// it nil fails those commands without blocking the log.
type Dispatcher struct {
	Cursor  Cursor
	Sandbox UpgradeSandbox
}

// Dispatch applies every execution-log entry not yet marked dispatched, in
// sequence order. A failing command records an execution_failed result and
// the dispatcher moves on; the log is never blocked by one bad command.
func (d *Dispatcher) Dispatch(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig) (int, error) {
	last, err := d.Cursor.DispatchedSequence()
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, entry := range st.Global.ExecutionLog {
		done, err := d.Cursor.Dispatched(entry.ProposalID)
		if err != nil {
			return dispatched, err
		}
		if done {
			continue
		}
		detail, execErr := d.applyCommand(st, entry, now, cfg)
		result := &state.ExecutionResult{
			Sequence:   entry.Sequence,
			Success:    execErr == nil,
			Detail:     detail,
			ExecutedAt: now,
		}
		if execErr != nil {
			result.Error = execErr.Error()
			log.WithError(execErr).WithField("sequence", entry.Sequence).WithField("operation", entry.Command.Operation).Error("Command execution failed")
		} else {
			log.WithField("sequence", entry.Sequence).WithField("operation", entry.Command.Operation).Info("Dispatched command")
		}
		st.Global.ExecutionResults[entry.ProposalID] = result
		markProposal(st, entry, result)

		if err := d.Cursor.MarkDispatched(entry.ProposalID, entry.Sequence); err != nil {
			return dispatched, err
		}
		if entry.Sequence > last {
			last = entry.Sequence
			if err := d.Cursor.SaveDispatchedSequence(last); err != nil {
				return dispatched, err
			}
		}
		dispatched++
	}
	return dispatched, nil
}

func markProposal(st *state.State, entry *state.LogEntry, result *state.ExecutionResult) {
	var p *state.Proposal
	if ch, ok := st.Channels[entry.Channel]; ok {
		p = ch.Proposals[entry.ProposalID]
	}
	if p == nil {
		// The command may have moved its own proposal, e.g. a channel split.
		for _, ch := range st.Channels {
			if found, ok := ch.Proposals[entry.ProposalID]; ok {
				p = found
				break
			}
		}
	}
	if p == nil {
		return
	}
	if result.Success {
		p.Status = state.ProposalExecuted
	} else {
		p.Status = state.ProposalExecutionFailed
	}
	p.ExecutionResult = result
	p.UpdatedAt = result.ExecutedAt
}
