package economy

import (
	"math"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/state"
)

// Score is a node's derived reputation: a decayed total plus per-tag
// components used for specialization-weighted voting and team matching.
type Score struct {
	Total float64
	Tags  map[string]float64
}

// decayFactor applies the daily multiplicative decay to an event that
// happened at eventAt, evaluated at asOf. Whole days only.
func decayFactor(eventAt, asOf time.Time, cfg *params.SynapseNetworkConfig) float64 {
	days := int(asOf.Sub(eventAt).Hours() / 24)
	if days <= 0 {
		return 1
	}
	return math.Pow(1-cfg.DecayRateDaily, float64(days))
}

// ReputationOf derives a node's reputation from the event history: task
// completions credit the assignee (tagged by the task's tags), ballots on
// settled proposals credit the voter. Every contribution decays daily.
func ReputationOf(st *state.State, nodeID string, asOf time.Time, cfg *params.SynapseNetworkConfig) *Score {
	score := &Score{Tags: make(map[string]float64)}
	for _, ch := range st.Channels {
		for _, t := range ch.Tasks {
			if t.Status != state.TaskCompleted || t.Assignee != nodeID {
				continue
			}
			credit := float64(cfg.TaskCompletionReward) * decayFactor(t.UpdatedAt, asOf, cfg)
			score.Total += credit
			for _, tag := range t.Tags {
				score.Tags[tag] += credit
			}
		}
		for _, c := range ch.Composites {
			if c.Status != state.CompositeCompleted || !c.RewardsDistributed {
				continue
			}
			credit := float64(cfg.TaskCompletionReward) * decayFactor(c.UpdatedAt, asOf, cfg)
			for _, stask := range c.SubTasks {
				if stask.Status == state.SubTaskCompleted && stask.AssignedTo == nodeID {
					score.Total += credit
					for _, skill := range stask.RequiredSkills {
						score.Tags[skill] += credit
					}
				}
			}
			if c.Coordinator == nodeID {
				score.Total += credit
			}
		}
		for _, p := range ch.Proposals {
			if p.Status == state.ProposalOpen {
				continue
			}
			v, ok := p.Votes[nodeID]
			if !ok {
				continue
			}
			credit := float64(cfg.VoteReward) * decayFactor(v.Timestamp, asOf, cfg)
			score.Total += credit
			for _, tag := range p.Tags {
				score.Tags[tag] += credit
			}
		}
	}
	return score
}

// Reputations derives scores for every known node.
func Reputations(st *state.State, asOf time.Time, cfg *params.SynapseNetworkConfig) map[string]*Score {
	out := make(map[string]*Score)
	for id := range st.Global.Nodes {
		out[id] = ReputationOf(st, id, asOf, cfg)
	}
	for _, ch := range st.Channels {
		for id := range ch.Participants {
			if _, ok := out[id]; !ok {
				out[id] = ReputationOf(st, id, asOf, cfg)
			}
		}
	}
	return out
}

// CachedReputation rounds a score into the record gossiped with NodeInfo.
func CachedReputation(s *Score, asOf time.Time) *state.Reputation {
	rep := &state.Reputation{
		Total:       int64(math.Round(s.Total)),
		Tags:        make(map[string]int64, len(s.Tags)),
		LastUpdated: asOf,
	}
	for tag, v := range s.Tags {
		rep.Tags[tag] = int64(math.Round(v))
	}
	return rep
}
