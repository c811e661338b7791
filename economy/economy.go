// Package economy derives every monetary quantity of the network from the
// replicated event history. Balances and treasuries are never stored or
// merged: any two nodes with the same state compute the same numbers, which
// sidesteps counter divergence entirely.
package economy

import (
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
)

var log = logrus.WithField("prefix", "economy")

// EffectiveReward returns the SP amount a task locks or pays out. Auctioned
// tasks lock the ceiling until finalization fixes the winning bid.
func EffectiveReward(t *state.Task) int64 {
	if t.Auction != nil {
		if t.Auction.Status == state.AuctionFinalized {
			return t.Auction.WinningBid
		}
		return t.Auction.MaxReward
	}
	return t.Reward
}

// NetPayout splits a gross reward into the worker's net and the treasury
// tax. The net is floored to whole SP; the rounding residue goes to the
// treasury so no SP is ever created or destroyed.
func NetPayout(reward int64, cfg *params.SynapseNetworkConfig) (net, tax int64) {
	net = int64(math.Floor(float64(reward) * (1 - cfg.TaxRate)))
	return net, reward - net
}

// Balance derives a node's spendable SP.
func Balance(st *state.State, nodeID string, cfg *params.SynapseNetworkConfig) int64 {
	balance := cfg.InitialBalance
	for _, ch := range st.Channels {
		balance += channelDelta(ch, nodeID, cfg)
	}
	return balance
}

// Balances derives the SP of every node known to the network.
func Balances(st *state.State, cfg *params.SynapseNetworkConfig) map[string]int64 {
	out := make(map[string]int64, len(st.Global.Nodes))
	for id := range st.Global.Nodes {
		out[id] = Balance(st, id, cfg)
	}
	for _, ch := range st.Channels {
		for id := range ch.Participants {
			if _, ok := out[id]; !ok {
				out[id] = Balance(st, id, cfg)
			}
		}
	}
	return out
}

// CanAfford reports whether nodeID can lock amount SP right now.
func CanAfford(st *state.State, nodeID string, amount int64, cfg *params.SynapseNetworkConfig) bool {
	return Balance(st, nodeID, cfg) >= amount
}

func channelDelta(ch *state.Channel, nodeID string, cfg *params.SynapseNetworkConfig) int64 {
	var delta int64
	for _, t := range ch.Tasks {
		reward := EffectiveReward(t)
		switch t.Status {
		case state.TaskCancelled:
			// Escrow released back to the creator; nothing moved.
		case state.TaskCompleted:
			if t.Creator == nodeID {
				delta -= reward
			}
			if t.Assignee == nodeID {
				net, _ := NetPayout(reward, cfg)
				delta += net
			}
		default:
			// Open or in flight: the reward sits in escrow.
			if t.Creator == nodeID {
				delta -= reward
			}
		}
	}
	for _, c := range ch.Composites {
		delta += compositeDelta(c, nodeID, cfg)
	}
	return delta
}

func compositeDelta(c *state.CompositeTask, nodeID string, cfg *params.SynapseNetworkConfig) int64 {
	if c.Status == state.CompositeCancelled {
		return 0
	}
	total := compositeBudget(c)
	var delta int64
	if c.Creator == nodeID {
		delta -= total
	}
	if !c.RewardsDistributed {
		return delta
	}
	for _, stask := range c.SubTasks {
		if stask.Status == state.SubTaskCompleted && stask.AssignedTo == nodeID {
			net, _ := NetPayout(stask.Reward, cfg)
			delta += net
		}
	}
	if c.Coordinator == nodeID && c.CoordinatorBonus > 0 {
		net, _ := NetPayout(c.CoordinatorBonus, cfg)
		delta += net
	}
	return delta
}

func compositeBudget(c *state.CompositeTask) int64 {
	total := c.CoordinatorBonus
	for _, stask := range c.SubTasks {
		total += stask.Reward
	}
	return total
}

// Treasury derives a channel treasury: accumulated taxes and rounding
// residues, minus treasury-funded escrow and common-tool payments.
func Treasury(st *state.State, channel string, cfg *params.SynapseNetworkConfig) int64 {
	ch, ok := st.Channels[channel]
	if !ok {
		return 0
	}
	var balance int64
	treasuryID := state.TreasuryCreator(channel)
	for _, t := range ch.Tasks {
		reward := EffectiveReward(t)
		switch t.Status {
		case state.TaskCompleted:
			_, tax := NetPayout(reward, cfg)
			balance += tax
			if t.Creator == treasuryID {
				balance -= reward
			}
		case state.TaskCancelled:
		default:
			if t.Creator == treasuryID {
				balance -= reward
			}
		}
	}
	for _, c := range ch.Composites {
		if c.Status == state.CompositeCancelled || !c.RewardsDistributed {
			continue
		}
		for _, stask := range c.SubTasks {
			if stask.Status == state.SubTaskCompleted && stask.AssignedTo != "" {
				_, tax := NetPayout(stask.Reward, cfg)
				balance += tax
			}
		}
		if c.Coordinator != "" && c.CoordinatorBonus > 0 {
			_, tax := NetPayout(c.CoordinatorBonus, cfg)
			balance += tax
		}
	}
	for _, tool := range ch.Tools {
		balance -= tool.MonthlyCost * tool.PaymentsMade
	}
	return balance
}

// Treasuries derives every channel treasury.
func Treasuries(st *state.State, cfg *params.SynapseNetworkConfig) map[string]int64 {
	out := make(map[string]int64, len(st.Channels))
	for name := range st.Channels {
		out[name] = Treasury(st, name, cfg)
	}
	return out
}

// ConservationReport breaks total SP down into its pools. For a closed
// system, Balances + Treasuries + Escrow + Burned always equals
// Nodes * InitialBalance. Burned covers common-tool payments, the only
// executed command with a monetary effect that leaves the system.
type ConservationReport struct {
	Balances   int64
	Treasuries int64
	Escrow     int64
	Burned     int64
	Nodes      int
}

// Total sums the pools.
func (r *ConservationReport) Total() int64 {
	return r.Balances + r.Treasuries + r.Escrow + r.Burned
}

// Conservation computes the supply breakdown. Health checks log a warning
// when the total drifts from the expected supply.
func Conservation(st *state.State, cfg *params.SynapseNetworkConfig) *ConservationReport {
	report := &ConservationReport{}
	balances := Balances(st, cfg)
	report.Nodes = len(balances)
	for _, b := range balances {
		report.Balances += b
	}
	for _, t := range Treasuries(st, cfg) {
		report.Treasuries += t
	}
	for _, ch := range st.Channels {
		for _, t := range ch.Tasks {
			switch t.Status {
			case state.TaskCompleted, state.TaskCancelled:
			default:
				report.Escrow += EffectiveReward(t)
			}
		}
		for _, c := range ch.Composites {
			if c.Status != state.CompositeCancelled && !c.RewardsDistributed {
				report.Escrow += compositeBudget(c)
			}
		}
		for _, tool := range ch.Tools {
			report.Burned += tool.MonthlyCost * tool.PaymentsMade
		}
	}
	expected := int64(report.Nodes) * cfg.InitialBalance
	if report.Total() != expected && report.Nodes > 0 {
		log.WithFields(logrus.Fields{
			"total":    report.Total(),
			"expected": expected,
		}).Warn("SP supply drifted from expected total")
	}
	return report
}

// FrozenBy returns the SP nodeID currently has locked in escrow.
func FrozenBy(st *state.State, nodeID string, cfg *params.SynapseNetworkConfig) int64 {
	var frozen int64
	for _, ch := range st.Channels {
		for _, t := range ch.Tasks {
			if t.Creator != nodeID {
				continue
			}
			switch t.Status {
			case state.TaskCompleted, state.TaskCancelled:
			default:
				frozen += EffectiveReward(t)
			}
		}
		for _, c := range ch.Composites {
			if c.Creator == nodeID && c.Status != state.CompositeCancelled && !c.RewardsDistributed {
				frozen += compositeBudget(c)
			}
		}
	}
	return frozen
}

// IsTreasuryFunded reports whether a creator ID denotes a channel treasury.
func IsTreasuryFunded(creator string) bool {
	return strings.HasPrefix(creator, "channel:")
}
