package node

import (
	"time"

	"github.com/synapse-ng/synapse-ng/encoding/canonical"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/synapsesub"
)

// Every channel gossips full snapshots on its own topic; the global shard
// has one of its own. Convergence comes from CRDT merge on receipt.
const stateTopicSuffix = ":state"

func stateTopic(channel string) string {
	return channel + stateTopicSuffix
}

func (n *SynapseNode) subscribeTopics() {
	n.pubsub.Subscribe(stateTopic(state.GlobalChannel), n.onGlobalMessage)
	snap := n.store.Snapshot()
	for name, ch := range snap.Channels {
		if name == state.GlobalChannel {
			continue
		}
		if _, ok := ch.Participants[n.identity.NodeID()]; ok {
			n.pubsub.Subscribe(stateTopic(name), n.onChannelMessage)
		}
	}
}

// onLocalChange is wired to api.OnChange: after every successful local
// operation the touched shard is gossiped, and topic subscriptions follow
// channel membership.
func (n *SynapseNode) onLocalChange(channel string) {
	if channel == state.GlobalChannel {
		n.publishGlobal()
		return
	}
	ch := n.store.SnapshotChannel(channel)
	if ch == nil {
		return
	}
	if _, member := ch.Participants[n.identity.NodeID()]; member {
		n.pubsub.Subscribe(stateTopic(channel), n.onChannelMessage)
	} else {
		n.pubsub.Unsubscribe(stateTopic(channel))
	}
	n.publishChannel(channel)
}

func (n *SynapseNode) publishChannel(name string) {
	ch := n.store.SnapshotChannel(name)
	if ch == nil {
		return
	}
	buf, err := canonical.Marshal(ch)
	if err != nil {
		log.WithError(err).WithField("channel", name).Error("Could not encode channel")
		return
	}
	n.pubsub.Publish(stateTopic(name), buf)
}

func (n *SynapseNode) publishGlobal() {
	buf, err := canonical.Marshal(n.store.SnapshotGlobal())
	if err != nil {
		log.WithError(err).Error("Could not encode global shard")
		return
	}
	n.pubsub.Publish(stateTopic(state.GlobalChannel), buf)
}

func (n *SynapseNode) onChannelMessage(msg *synapsesub.Message) {
	if msg.Origin == n.identity.NodeID() {
		return
	}
	var in state.Channel
	if err := canonical.Unmarshal(msg.Payload, &in); err != nil {
		log.WithError(err).WithField("topic", msg.Topic).Debug("Dropping undecodable channel gossip")
		return
	}
	if in.Name == "" || stateTopic(in.Name) != msg.Topic {
		log.WithField("topic", msg.Topic).Debug("Dropping gossip with mismatched channel name")
		return
	}
	changed := false
	if err := n.store.Update(func(st *state.State, now time.Time) error {
		local := state.EnsureChannel(st, in.Name, now)
		changed = state.MergeChannel(local, &in)
		return nil
	}); err != nil {
		log.WithError(err).Error("Could not merge channel gossip")
		return
	}
	if changed {
		n.refreshConfig()
	}
}

func (n *SynapseNode) onGlobalMessage(msg *synapsesub.Message) {
	if msg.Origin == n.identity.NodeID() {
		return
	}
	var in state.Global
	if err := canonical.Unmarshal(msg.Payload, &in); err != nil {
		log.WithError(err).Debug("Dropping undecodable global gossip")
		return
	}
	changed := false
	if err := n.store.Update(func(st *state.State, now time.Time) error {
		changed = state.MergeGlobal(st.Global, &in)
		return nil
	}); err != nil {
		log.WithError(err).Error("Could not merge global gossip")
		return
	}
	if changed {
		n.refreshConfig()
	}
}

// onRemoteMerge persists state after a digest exchange changed it.
func (n *SynapseNode) onRemoteMerge() {
	n.refreshConfig()
	if err := n.db.SaveSnapshot(n.store.Snapshot()); err != nil {
		log.WithError(err).Error("Could not persist snapshot after sync")
	}
}
