package state

import (
	"sort"
)

// Entity classes reported in digests. Sync peers compare class hashes so a
// divergence points at the exact collection to exchange.
const (
	ClassParticipants = "participants"
	ClassTasks        = "tasks"
	ClassProposals    = "proposals"
	ClassComposites   = "composite_tasks"
	ClassSkills       = "node_skills"
	ClassTools        = "common_tools"
	ClassNodes        = "nodes"
	ClassValidators   = "validator_set"
	ClassPendingOps   = "pending_operations"
	ClassExecutionLog = "execution_log"
	ClassNullifiers   = "nullifiers"
)

// Digest summarizes one channel (or the global shard) as per-class hashes of
// the canonical encoding.
type Digest struct {
	Channel string            `json:"channel"`
	Classes map[string]string `json:"classes"`
}

// Equal reports whether two digests describe identical content.
func (d *Digest) Equal(other *Digest) bool {
	if other == nil || d.Channel != other.Channel || len(d.Classes) != len(other.Classes) {
		return false
	}
	for class, h := range d.Classes {
		if other.Classes[class] != h {
			return false
		}
	}
	return true
}

// DivergentClasses lists the classes whose hashes differ, sorted.
func (d *Digest) DivergentClasses(other *Digest) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(class string) {
		if !seen[class] {
			seen[class] = true
			out = append(out, class)
		}
	}
	for class, h := range d.Classes {
		if other == nil || other.Classes[class] != h {
			add(class)
		}
	}
	if other != nil {
		for class, h := range other.Classes {
			if d.Classes[class] != h {
				add(class)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ChannelDigest computes the digest of a channel shard.
func ChannelDigest(ch *Channel) *Digest {
	return &Digest{
		Channel: ch.Name,
		Classes: map[string]string{
			ClassParticipants: mustHash(ch.Participants),
			ClassTasks:        mustHash(ch.Tasks),
			ClassProposals:    mustHash(ch.Proposals),
			ClassComposites:   mustHash(ch.Composites),
			ClassSkills:       mustHash(ch.Skills),
			ClassTools:        mustHash(ch.Tools),
		},
	}
}

// GlobalDigest computes the digest of the global registries.
func GlobalDigest(g *Global) *Digest {
	return &Digest{
		Channel: GlobalChannel,
		Classes: map[string]string{
			ClassNodes:        mustHash(g.Nodes),
			ClassValidators:   mustHash(g.ValidatorSet),
			ClassPendingOps:   mustHash(g.PendingOperations),
			ClassExecutionLog: mustHash(g.ExecutionLog),
			ClassNullifiers:   mustHash(g.Nullifiers),
		},
	}
}

// Digests computes digests for every channel plus the global shard, keyed by
// channel name.
func Digests(st *State) map[string]*Digest {
	out := make(map[string]*Digest, len(st.Channels)+1)
	for name, ch := range st.Channels {
		out[name] = ChannelDigest(ch)
	}
	out[GlobalChannel] = GlobalDigest(st.Global)
	return out
}
