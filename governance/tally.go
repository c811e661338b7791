// Package governance implements channel proposals and reputation-weighted
// voting. Approval of an executive proposal does not execute anything: it
// parks the derived command in the global pending-operation registry for the
// validator set to ratify.
package governance

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/zkp"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/state"
)

var log = logrus.WithField("prefix", "governance")

// VoteWeight computes a public ballot's weight: a base of 1 plus a
// logarithmic bonus for total reputation, plus a specialization bonus per
// proposal tag for reputation earned under that tag. Rounded to 2 decimals
// so the tally is reproducible across platforms.
func VoteWeight(score *economy.Score, proposalTags []string, cfg *params.SynapseNetworkConfig) float64 {
	w := 1 + math.Log2(score.Total+1)
	for _, tag := range proposalTags {
		w += cfg.AnonymousVoteBonusAlpha * math.Log2(score.Tags[tag]+1)
	}
	return math.Round(w*100) / 100
}

// TallyResult is the weighted outcome of a proposal's ballots.
type TallyResult struct {
	Yes     float64
	No      float64
	Outcome state.Outcome
}

// Tally recomputes the weighted totals for a proposal. Ties reject.
func Tally(st *state.State, p *state.Proposal, asOf time.Time, cfg *params.SynapseNetworkConfig) *TallyResult {
	res := &TallyResult{}
	for voter, v := range p.Votes {
		score := economy.ReputationOf(st, voter, asOf, cfg)
		w := VoteWeight(score, p.Tags, cfg)
		if v.Value == state.VoteYes {
			res.Yes += w
		} else {
			res.No += w
		}
	}
	for _, av := range p.AnonymousVotes {
		w, err := zkp.TierWeight(av.Tier, cfg)
		if err != nil {
			// Unknown tier written by a newer node; count nothing.
			log.WithField("proposalID", p.ID).WithField("tier", av.Tier).Warn("Skipping ballot with unknown tier")
			continue
		}
		if av.Value == state.VoteYes {
			res.Yes += w
		} else {
			res.No += w
		}
	}
	res.Yes = math.Round(res.Yes*100) / 100
	res.No = math.Round(res.No*100) / 100
	if res.Yes > res.No {
		res.Outcome = state.OutcomeApproved
	} else {
		res.Outcome = state.OutcomeRejected
	}
	return res
}
