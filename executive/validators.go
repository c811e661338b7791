// Package executive implements the second tier of governance: a small,
// reputation-selected validator set ratifies approved commands into a
// totally ordered execution log, and a dispatcher replays that log so every
// node applies the same commands in the same order.
package executive

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/state"
)

var log = logrus.WithField("prefix", "executive")

// Quorum returns the ratifications needed for a validator set of size n.
func Quorum(n int) int {
	return n/2 + 1
}

// SelectValidators deterministically picks the validator set: nodes online
// for at least the configured minimum uptime, sorted by derived reputation
// with node ID breaking ties, truncated to the configured size. Every node
// computes the same set from the same state. On a fresh network where no
// node has the uptime yet, the uptime requirement is waived.
func SelectValidators(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig) []string {
	type candidate struct {
		id  string
		rep float64
	}
	collect := func(requireUptime bool) []candidate {
		var candidates []candidate
		for id, n := range st.Global.Nodes {
			if now.Sub(n.LastSeen) > cfg.PeerInactivityTimeout {
				continue
			}
			if requireUptime && (n.OnlineSince.IsZero() || now.Sub(n.OnlineSince) < cfg.ValidatorMinUptime) {
				continue
			}
			candidates = append(candidates, candidate{
				id:  id,
				rep: economy.ReputationOf(st, id, now, cfg).Total,
			})
		}
		return candidates
	}
	candidates := collect(true)
	if len(candidates) == 0 {
		candidates = collect(false)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rep != candidates[j].rep {
			return candidates[i].rep > candidates[j].rep
		}
		return candidates[i].id < candidates[j].id
	})
	size := cfg.ValidatorSetSize
	if len(candidates) < size {
		size = len(candidates)
	}
	out := make([]string, 0, size)
	for _, c := range candidates[:size] {
		out = append(out, c.id)
	}
	return out
}

// RotateValidators refreshes the stored validator set when the rotation
// period elapsed. Returns true when the set changed.
func RotateValidators(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig) bool {
	g := st.Global
	if !g.ValidatorSetUpdatedAt.IsZero() && now.Sub(g.ValidatorSetUpdatedAt) < cfg.ValidatorRotationPeriod {
		return false
	}
	next := SelectValidators(st, now, cfg)
	if equalStrings(next, g.ValidatorSet) {
		g.ValidatorSetUpdatedAt = now
		return false
	}
	log.WithField("size", len(next)).Info("Rotated validator set")
	g.ValidatorSet = next
	g.ValidatorSetUpdatedAt = now
	return true
}

// IsValidator reports whether nodeID is in the current set.
func IsValidator(st *state.State, nodeID string) bool {
	for _, v := range st.Global.ValidatorSet {
		if v == nodeID {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
