package api

import (
	"time"

	"github.com/synapse-ng/synapse-ng/crypto/zkp"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/executive"
	"github.com/synapse-ng/synapse-ng/governance"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/tools/commontool"
)

// ProposalRequest carries the proposer-supplied fields of a new proposal.
type ProposalRequest struct {
	Title       string
	Description string
	Type        state.ProposalType
	Tags        []string
	Params      map[string]interface{}
	Command     *state.Command
}

// CreateProposal opens a proposal in a channel.
func (a *API) CreateProposal(channel string, req *ProposalRequest) (string, error) {
	var proposalID string
	err := a.store.Update(func(st *state.State, now time.Time) error {
		p, err := governance.CreateProposal(st, now, a.Config(), channel, a.NodeID(), req.Title, req.Description, req.Type, req.Tags, req.Params, req.Command)
		if err != nil {
			return err
		}
		proposalID = p.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	a.notify(channel)
	return proposalID, nil
}

// Vote casts the caller's public ballot.
func (a *API) Vote(channel, proposalID string, value state.VoteValue) error {
	err := a.store.Update(func(st *state.State, now time.Time) error {
		return governance.CastVote(st, now, channel, proposalID, a.NodeID(), value)
	})
	if err != nil {
		return err
	}
	a.notify(channel)
	return nil
}

// VoteAnonymously generates a fresh proof from the node secret and casts a
// tier-weighted ballot that cannot be linked back to the node ID.
func (a *API) VoteAnonymously(channel, proposalID string, value state.VoteValue) error {
	cfg := a.Config()
	now := a.store.Now()
	var total int64
	a.store.View(func(st *state.State) {
		total = economy.CachedReputation(economy.ReputationOf(st, a.NodeID(), now, cfg), now).Total
	})
	proof, err := zkp.Generate(a.identity.Secret(), proposalID, total, cfg)
	if err != nil {
		return err
	}
	return a.SubmitAnonymousVote(channel, proposalID, value, proof)
}

// SubmitAnonymousVote verifies and records a proof-carrying ballot, local or
// relayed from a peer.
func (a *API) SubmitAnonymousVote(channel, proposalID string, value state.VoteValue, proof *zkp.Proof) error {
	err := a.store.Update(func(st *state.State, now time.Time) error {
		return governance.CastAnonymousVote(st, now, a.Config(), channel, proposalID, value, proof)
	})
	if err != nil {
		return err
	}
	a.notify(channel)
	a.notify(state.GlobalChannel)
	return nil
}

// CloseProposal settles the caller's proposal.
func (a *API) CloseProposal(channel, proposalID string) (*governance.TallyResult, error) {
	var res *governance.TallyResult
	err := a.store.Update(func(st *state.State, now time.Time) error {
		r, err := governance.CloseProposal(st, now, a.Config(), channel, proposalID, a.NodeID())
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.notify(channel)
	a.notify(state.GlobalChannel)
	return res, nil
}

// ProposeToolAcquisition opens the network_operation proposal that, once
// approved and ratified, acquires a treasury-funded tool for the channel.
// Credentials arrive already encrypted with the channel key; the core never
// sees the plaintext.
func (a *API) ProposeToolAcquisition(channel, toolID, toolType, description string, monthlyCost int64, encryptedCredentials string) (string, error) {
	return a.CreateProposal(channel, &ProposalRequest{
		Title:       "Acquire common tool: " + toolID,
		Description: description,
		Type:        state.ProposalNetworkOp,
		Params:      commontool.AcquisitionParams(channel, toolID, toolType, description, monthlyCost, encryptedCredentials),
	})
}

// ProposeToolDeprecation opens the network_operation proposal that retires a
// channel tool and stops its maintenance payments.
func (a *API) ProposeToolDeprecation(channel, toolID, reason string) (string, error) {
	return a.CreateProposal(channel, &ProposalRequest{
		Title:       "Deprecate common tool: " + toolID,
		Description: reason,
		Type:        state.ProposalNetworkOp,
		Params:      commontool.DeprecationParams(channel, toolID),
	})
}

// Ratify records the caller's validator signature on a pending operation.
func (a *API) Ratify(proposalID string) (bool, error) {
	var committed bool
	err := a.store.Update(func(st *state.State, now time.Time) error {
		c, err := executive.Ratify(st, now, a.Config(), proposalID, a.NodeID())
		if err != nil {
			return err
		}
		committed = c
		return nil
	})
	if err != nil {
		return false, err
	}
	a.notify(state.GlobalChannel)
	return committed, nil
}

// Tally returns the live weighted totals of an open proposal.
func (a *API) Tally(channel, proposalID string) (*governance.TallyResult, error) {
	now := a.store.Now()
	var res *governance.TallyResult
	var found *state.Proposal
	a.store.View(func(st *state.State) {
		if ch, ok := st.Channels[channel]; ok {
			if p, ok := ch.Proposals[proposalID]; ok {
				found = p
				res = governance.Tally(st, p, now, a.Config())
			}
		}
	})
	if found == nil {
		return nil, state.NotFoundf("unknown proposal %s in %s", proposalID, channel)
	}
	return res, nil
}
