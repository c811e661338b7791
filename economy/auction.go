package economy

import (
	"math"
	"sort"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/runtime/logging"
	"github.com/synapse-ng/synapse-ng/state"
)

// ScoreBid rates one bid on a closed auction. Lower cost, higher reputation
// and shorter estimates all raise the score; weights come from config and
// sum to one. repNorm is the bidder's reputation normalized against the
// strongest bidder on this auction.
func ScoreBid(b *state.Bid, maxReward int64, repNorm float64, cfg *params.SynapseNetworkConfig) float64 {
	cost := 1 - float64(b.Amount)/float64(maxReward)
	days := float64(b.EstimatedDays)
	maxDays := float64(cfg.AuctionMaxDays)
	if days > maxDays {
		days = maxDays
	}
	speed := 1 - days/maxDays
	w := cfg.AuctionWeights
	return w.Cost*cost + w.Reputation*repNorm + w.Time*speed
}

// SelectWinner scores every bid on the task's auction and returns the
// winning bidder and amount. Ties break toward the earlier bid, then the
// lexicographically smaller bidder ID, so every node picks the same winner.
func SelectWinner(t *state.Task, reps map[string]*Score, cfg *params.SynapseNetworkConfig) (string, int64, bool) {
	a := t.Auction
	if a == nil || len(a.Bids) == 0 {
		return "", 0, false
	}

	var maxRep float64
	for bidder := range a.Bids {
		if s, ok := reps[bidder]; ok && s.Total > maxRep {
			maxRep = s.Total
		}
	}

	bidders := make([]string, 0, len(a.Bids))
	for bidder := range a.Bids {
		bidders = append(bidders, bidder)
	}
	sort.Strings(bidders)

	var winner string
	var winnerBid *state.Bid
	best := math.Inf(-1)
	for _, bidder := range bidders {
		b := a.Bids[bidder]
		var repNorm float64
		if s, ok := reps[bidder]; ok && maxRep > 0 {
			repNorm = s.Total / maxRep
		}
		score := ScoreBid(b, a.MaxReward, repNorm, cfg)
		switch {
		case score > best:
		case score == best && b.Timestamp.Before(winnerBid.Timestamp):
		default:
			continue
		}
		best = score
		winner = bidder
		winnerBid = b
	}
	return winner, winnerBid.Amount, true
}

// FinalizeAuction settles an expired auction in place: the winner becomes
// the assignee at the winning bid, or the task reverts to a plain open task
// at the ceiling reward when nobody bid.
func FinalizeAuction(t *state.Task, reps map[string]*Score, now time.Time, cfg *params.SynapseNetworkConfig) {
	a := t.Auction
	winner, amount, ok := SelectWinner(t, reps, cfg)
	if !ok {
		a.Status = state.AuctionCancelled
		t.Reward = a.MaxReward
		t.UpdatedAt = now
		log.WithFields(logging.TaskFields(t)).Info("Auction expired with no bids")
		return
	}
	a.Status = state.AuctionFinalized
	a.Winner = winner
	a.WinningBid = amount
	t.Reward = amount
	t.Assignee = winner
	t.Status = state.TaskClaimed
	t.UpdatedAt = now
	log.WithFields(logging.TaskFields(t)).Info("Auction finalized")
}

// SweepAuctions finalizes every open auction past its deadline. Returns the
// IDs of tasks that changed.
func SweepAuctions(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig) []string {
	reps := Reputations(st, now, cfg)
	var changed []string
	for _, ch := range st.Channels {
		for _, t := range ch.Tasks {
			a := t.Auction
			if a == nil || a.Status != state.AuctionOpen || now.Before(a.Deadline) {
				continue
			}
			FinalizeAuction(t, reps, now, cfg)
			changed = append(changed, t.ID)
		}
	}
	sort.Strings(changed)
	return changed
}
