package governance

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/zkp"
	"github.com/synapse-ng/synapse-ng/runtime/logging"
	"github.com/synapse-ng/synapse-ng/state"
)

// CreateProposal opens a new proposal in a channel. Executive types must
// carry enough parameters to derive a command at approval time.
func CreateProposal(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig, channel, proposer, title, description string, ptype state.ProposalType, tags []string, cmdParams map[string]interface{}, cmd *state.Command) (*state.Proposal, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, state.NotFoundf("unknown channel %s", channel)
	}
	if ch.Archived {
		return nil, state.Conflictf("channel %s is archived", channel)
	}
	if _, ok := ch.Participants[proposer]; !ok {
		return nil, state.Authorizationf("%s is not a member of %s", proposer, channel)
	}

	p := &state.Proposal{
		ID:          uuid.New().String(),
		Channel:     channel,
		Title:       title,
		Description: description,
		Type:        ptype,
		Tags:        tags,
		Proposer:    proposer,
		Status:      state.ProposalOpen,
		Outcome:     state.OutcomePending,
		Votes:       make(map[string]*state.Vote),
		Params:      cmdParams,
		Command:     cmd,
		Schema:      state.SchemaProposalV1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := state.ValidateProposal(p); err != nil {
		return nil, err
	}
	if state.ExecutiveProposal(p) {
		if _, err := deriveCommand(p); err != nil {
			return nil, err
		}
	}
	ch.Proposals[p.ID] = p
	ch.UpdatedAt = now
	log.WithFields(logging.ProposalFields(p)).Info("Opened proposal")
	return p, nil
}

// CastVote records or replaces a member's public ballot.
func CastVote(st *state.State, now time.Time, channel, proposalID, voter string, value state.VoteValue) error {
	p, ch, err := findProposal(st, channel, proposalID)
	if err != nil {
		return err
	}
	if p.Status != state.ProposalOpen {
		return state.Conflictf("proposal %s is %s", proposalID, p.Status)
	}
	if _, ok := ch.Participants[voter]; !ok {
		return state.Authorizationf("%s is not a member of %s", voter, channel)
	}
	if value != state.VoteYes && value != state.VoteNo {
		return state.Validationf("ballot value must be yes or no, got %q", value)
	}
	p.Votes[voter] = &state.Vote{Value: value, Timestamp: now}
	p.UpdatedAt = now
	return nil
}

// CastAnonymousVote verifies the proof, checks the nullifier has not voted
// on this proposal before, and appends the tier-weighted ballot.
func CastAnonymousVote(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig, channel, proposalID string, value state.VoteValue, proof *zkp.Proof) error {
	p, _, err := findProposal(st, channel, proposalID)
	if err != nil {
		return err
	}
	if p.Status != state.ProposalOpen {
		return state.Conflictf("proposal %s is %s", proposalID, p.Status)
	}
	if value != state.VoteYes && value != state.VoteNo {
		return state.Validationf("ballot value must be yes or no, got %q", value)
	}
	if err := zkp.Verify(proof, proposalID, now, cfg); err != nil {
		return state.Authenticationf("proof rejected: %v", err)
	}
	used := st.Global.Nullifiers[proposalID]
	if used[proof.Nullifier] {
		return state.Conflictf("nullifier already voted on proposal %s", proposalID)
	}
	if used == nil {
		used = make(map[string]bool)
		st.Global.Nullifiers[proposalID] = used
	}
	used[proof.Nullifier] = true
	p.AnonymousVotes = append(p.AnonymousVotes, &state.AnonymousVote{
		Value:     value,
		Tier:      proof.Tier,
		Nullifier: proof.Nullifier,
		Timestamp: now,
	})
	p.UpdatedAt = now
	log.WithField("proposalID", proposalID).WithField("tier", proof.Tier).Info("Accepted anonymous ballot")
	return nil
}

// CloseProposal tallies and settles a proposal. Before the auto-close window
// elapses only the proposer may close; afterwards anyone may. The auto-close
// sweep passes its own authority.
func CloseProposal(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig, channel, proposalID, closer string) (*TallyResult, error) {
	p, ch, err := findProposal(st, channel, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != state.ProposalOpen {
		return nil, state.Conflictf("proposal %s is %s", proposalID, p.Status)
	}
	if closer != "" && closer != p.Proposer && now.Sub(p.CreatedAt) < cfg.ProposalAutoClose {
		return nil, state.Authorizationf("only the proposer can close %s before the auto-close window", proposalID)
	}
	return settle(st, ch, p, now, cfg), nil
}

// SweepAutoClose settles every proposal open longer than the configured
// window. Returns the settled proposal IDs.
func SweepAutoClose(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig) []string {
	var closed []string
	for _, ch := range st.Channels {
		for _, p := range ch.Proposals {
			if p.Status != state.ProposalOpen || now.Sub(p.CreatedAt) < cfg.ProposalAutoClose {
				continue
			}
			settle(st, ch, p, now, cfg)
			closed = append(closed, p.ID)
		}
	}
	sort.Strings(closed)
	return closed
}

func settle(st *state.State, ch *state.Channel, p *state.Proposal, now time.Time, cfg *params.SynapseNetworkConfig) *TallyResult {
	res := Tally(st, p, now, cfg)
	p.Outcome = res.Outcome
	closedAt := now
	p.ClosedAt = &closedAt
	p.UpdatedAt = now

	if res.Outcome == state.OutcomeApproved && state.ExecutiveProposal(p) {
		cmd, err := deriveCommand(p)
		if err != nil {
			// Validated at creation; a failure here means a malformed
			// record arrived via merge. Settle as closed, never execute.
			log.WithError(err).WithField("proposalID", p.ID).Error("Approved proposal has no derivable command")
			p.Status = state.ProposalClosed
			return res
		}
		p.Status = state.ProposalPendingRatification
		st.Global.PendingOperations[p.ID] = &state.PendingOperation{
			ProposalID:    p.ID,
			Channel:       ch.Name,
			Command:       cmd,
			Ratifications: make(map[string]time.Time),
			CreatedAt:     now,
		}
		log.WithFields(logging.ProposalFields(p)).Info("Proposal approved, awaiting ratification")
		return res
	}

	p.Status = state.ProposalClosed
	if res.Outcome == state.OutcomeApproved && p.Type == state.ProposalConfigChange {
		// Config changes take effect without ratification: every node folds
		// the approved patches onto its startup parameters in close order.
		// The settle only records whether the patch type-checks.
		result := &state.ExecutionResult{Success: true, ExecutedAt: now}
		if _, err := cfg.ApplyPatch(p.Params); err != nil {
			result.Success = false
			result.Error = err.Error()
			log.WithError(err).WithField("proposalID", p.ID).Warn("Approved config change does not validate")
		}
		p.ExecutionResult = result
	}
	log.WithFields(logging.ProposalFields(p)).WithField("outcome", res.Outcome).Info("Proposal settled")
	return res
}

// deriveCommand maps an approved executive proposal to the command the
// validator set will ratify.
func deriveCommand(p *state.Proposal) (*state.Command, error) {
	if p.Command != nil {
		return p.Command, nil
	}
	switch p.Type {
	case state.ProposalCodeUpgrade:
		return &state.Command{Operation: "execute_upgrade", Params: p.Params}, nil
	case state.ProposalNetworkOp, state.ProposalCommand:
		op, _ := p.Params["operation"].(string)
		if op == "" {
			return nil, state.Validationf("proposal %s does not name an operation", p.ID)
		}
		cmdParams, _ := p.Params["params"].(map[string]interface{})
		return &state.Command{Operation: op, Params: cmdParams}, nil
	}
	return nil, state.Validationf("proposal %s of type %s has no command", p.ID, p.Type)
}

func findProposal(st *state.State, channel, proposalID string) (*state.Proposal, *state.Channel, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, nil, state.NotFoundf("unknown channel %s", channel)
	}
	p, ok := ch.Proposals[proposalID]
	if !ok {
		return nil, nil, state.NotFoundf("unknown proposal %s in %s", proposalID, channel)
	}
	return p, ch, nil
}
