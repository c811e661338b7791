package synapsesub

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/async"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
)

var log = logrus.WithField("prefix", "synapsesub")

const messageCacheSize = 512

// invalidFrameLimit is how many unverifiable messages a peer may deliver
// before it is pruned from every mesh. The penalty is local to the gossip
// layer and never touches application reputation.
const invalidFrameLimit = 3

// Transport delivers an encoded RPC frame to one peer and exposes the
// transport-level peer score. The p2p layer provides it; tests swap in an
// in-memory fabric.
type Transport interface {
	SendRPC(ctx context.Context, peerID string, frame []byte) error
	Peers() []string
	PeerScore(peerID string) float64
}

// Handler consumes validated application messages for a topic.
type Handler func(msg *Message)

type topicState struct {
	mesh       map[string]bool // peers we push to eagerly
	fanout     map[string]bool // peers announced on the topic
	handler    Handler
	subscribed bool
}

// PubSub is the per-node protocol engine.
type PubSub struct {
	ctx       context.Context
	cancel    context.CancelFunc
	ident     *identity.Identity
	nodeID    string
	transport Transport

	mu      sync.Mutex
	topics  map[string]*topicState
	nonce   uint64
	invalid map[string]int // peerID -> unverifiable frames delivered

	seen   *cache.Cache // msgID -> struct{}, dedup window
	mcache *lru.Cache   // msgID -> *Message, served on I_WANT
}

// New builds the engine. Start launches the heartbeat.
func New(ctx context.Context, ident *identity.Identity, transport Transport) (*PubSub, error) {
	cfg := params.SynapseConfig()
	mcache, err := lru.New(messageCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "could not create message cache")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &PubSub{
		ctx:       ctx,
		cancel:    cancel,
		ident:     ident,
		nodeID:    ident.NodeID(),
		transport: transport,
		topics:    make(map[string]*topicState),
		invalid:   make(map[string]int),
		seen:      cache.New(cfg.DedupWindow, cfg.DedupWindow),
		mcache:    mcache,
	}, nil
}

// Start runs the mesh maintenance heartbeat until the context is done.
func (ps *PubSub) Start() {
	cfg := params.SynapseConfig()
	async.RunEvery(ps.ctx, cfg.PubsubHeartbeatInterval, ps.heartbeat)
}

// Stop tears the engine down, pruning every mesh link.
func (ps *PubSub) Stop() error {
	ps.mu.Lock()
	var topics []string
	for topic, ts := range ps.topics {
		if ts.subscribed {
			topics = append(topics, topic)
		}
	}
	ps.mu.Unlock()
	for _, topic := range topics {
		ps.broadcastControl(topic, KindUnannounce, allPeers(ps.transport))
	}
	ps.cancel()
	return nil
}

// Status always returns nil; the engine has no failure mode of its own.
func (ps *PubSub) Status() error {
	return nil
}

// Subscribe joins a topic and registers its handler. The subscription is
// announced to every connected peer.
func (ps *PubSub) Subscribe(topic string, handler Handler) {
	ps.mu.Lock()
	ts := ps.topic(topic)
	ts.subscribed = true
	ts.handler = handler
	ps.mu.Unlock()
	ps.broadcastControl(topic, KindAnnounce, allPeers(ps.transport))
	log.WithField("topic", topic).Info("Subscribed to topic")
}

// Unsubscribe leaves a topic.
func (ps *PubSub) Unsubscribe(topic string) {
	ps.mu.Lock()
	ts := ps.topic(topic)
	ts.subscribed = false
	ts.handler = nil
	ts.mesh = make(map[string]bool)
	ps.mu.Unlock()
	ps.broadcastControl(topic, KindUnannounce, allPeers(ps.transport))
}

// Publish signs a payload and sends it to the topic: delivered locally,
// pushed to the mesh, advertised to the rest on the next heartbeat.
func (ps *PubSub) Publish(topic string, payload []byte) {
	ps.mu.Lock()
	ps.nonce++
	msg := &Message{Topic: topic, Payload: payload, Origin: ps.nodeID, Nonce: ps.nonce}
	msg.Signature = ps.ident.SignBytes(msg.SigningRoot())
	id := msg.ID()
	ps.seen.SetDefault(id, struct{}{})
	ps.mcache.Add(id, msg)
	ts := ps.topic(topic)
	handler := ts.handler
	targets := keys(ts.mesh)
	ps.mu.Unlock()

	messagesPublished.WithLabelValues(topic).Inc()
	if handler != nil {
		handler(msg)
	}
	ps.sendMessage(msg, targets)
}

// HandleRPC processes one frame received from a peer.
func (ps *PubSub) HandleRPC(peerID string, frame []byte) {
	rpc, err := DecodeRPC(frame)
	if err != nil {
		log.WithError(err).WithField("peer", peerID).Debug("Dropping malformed frame")
		return
	}
	switch rpc.Kind {
	case KindAnnounce:
		ps.onAnnounce(peerID, rpc.Topic)
	case KindUnannounce:
		ps.onUnannounce(peerID, rpc.Topic)
	case KindGraft:
		ps.onGraft(peerID, rpc.Topic)
	case KindPrune:
		ps.onPrune(peerID, rpc.Topic)
	case KindMessage:
		ps.onMessage(peerID, rpc.Message)
	case KindIHave:
		ps.onIHave(peerID, rpc.Topic, rpc.IDs)
	case KindIWant:
		ps.onIWant(peerID, rpc.IDs)
	default:
		log.WithField("kind", rpc.Kind).WithField("peer", peerID).Debug("Unknown frame kind")
	}
}

// PeerDisconnected clears a peer from every topic.
func (ps *PubSub) PeerDisconnected(peerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, ts := range ps.topics {
		delete(ts.mesh, peerID)
		delete(ts.fanout, peerID)
	}
}

// PeerConnected announces our subscriptions to a fresh peer.
func (ps *PubSub) PeerConnected(peerID string) {
	ps.mu.Lock()
	var topics []string
	for topic, ts := range ps.topics {
		if ts.subscribed {
			topics = append(topics, topic)
		}
	}
	ps.mu.Unlock()
	sort.Strings(topics)
	for _, topic := range topics {
		ps.broadcastControl(topic, KindAnnounce, []string{peerID})
	}
}

// MeshPeers returns the current mesh for a topic, for introspection.
func (ps *PubSub) MeshPeers(topic string) []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := keys(ps.topic(topic).mesh)
	sort.Strings(out)
	return out
}

func (ps *PubSub) onAnnounce(peerID, topic string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.topic(topic).fanout[peerID] = true
}

func (ps *PubSub) onUnannounce(peerID, topic string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ts := ps.topic(topic)
	delete(ts.fanout, peerID)
	delete(ts.mesh, peerID)
}

func (ps *PubSub) onGraft(peerID, topic string) {
	cfg := params.SynapseConfig()
	ps.mu.Lock()
	ts := ps.topic(topic)
	accept := ts.subscribed && len(ts.mesh) < cfg.MeshTargets.DHigh && ps.invalid[peerID] < invalidFrameLimit
	if accept {
		ts.mesh[peerID] = true
		ts.fanout[peerID] = true
	}
	ps.mu.Unlock()
	if !accept {
		ps.broadcastControl(topic, KindPrune, []string{peerID})
	}
}

func (ps *PubSub) onPrune(peerID, topic string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.topic(topic).mesh, peerID)
}

// onMessage verifies a received message (signature, topic membership,
// replay cache) before it is handed to the application or forwarded.
func (ps *PubSub) onMessage(from string, msg *Message) {
	if msg == nil {
		return
	}
	if err := identity.VerifyBytes(msg.Origin, msg.SigningRoot(), msg.Signature); err != nil {
		messagesRejected.Inc()
		ps.recordInvalid(from)
		return
	}
	id := msg.ID()
	ps.mu.Lock()
	ts, ok := ps.topics[msg.Topic]
	if !ok || !ts.subscribed {
		ps.mu.Unlock()
		return
	}
	if _, dup := ps.seen.Get(id); dup {
		ps.mu.Unlock()
		messagesDuplicate.Inc()
		return
	}
	ps.seen.SetDefault(id, struct{}{})
	ps.mcache.Add(id, msg)
	handler := ts.handler
	var forward []string
	for peer := range ts.mesh {
		if peer != from && peer != msg.Origin {
			forward = append(forward, peer)
		}
	}
	ps.mu.Unlock()

	messagesDelivered.WithLabelValues(msg.Topic).Inc()
	if handler != nil {
		handler(msg)
	}
	ps.sendMessage(msg, forward)
}

// recordInvalid scores down a peer that delivered an unverifiable frame.
// Crossing the limit evicts it from every mesh; the peer stays barred from
// grafting for the rest of the session.
func (ps *PubSub) recordInvalid(peerID string) {
	ps.mu.Lock()
	ps.invalid[peerID]++
	count := ps.invalid[peerID]
	var pruned []string
	if count == invalidFrameLimit {
		for topic, ts := range ps.topics {
			if ts.mesh[peerID] {
				pruned = append(pruned, topic)
			}
			delete(ts.mesh, peerID)
			delete(ts.fanout, peerID)
		}
	}
	ps.mu.Unlock()
	if count != invalidFrameLimit {
		log.WithField("peer", peerID).WithField("count", count).Debug("Dropped message with bad signature")
		return
	}
	sort.Strings(pruned)
	for _, topic := range pruned {
		ps.broadcastControl(topic, KindPrune, []string{peerID})
	}
	log.WithField("peer", peerID).Warn("Pruned peer for repeated invalid messages")
}

func (ps *PubSub) onIHave(peerID, topic string, ids []string) {
	ps.mu.Lock()
	var missing []string
	for _, id := range ids {
		if _, ok := ps.seen.Get(id); !ok {
			missing = append(missing, id)
		}
	}
	subscribed := ps.topic(topic).subscribed
	ps.mu.Unlock()
	if !subscribed || len(missing) == 0 {
		return
	}
	ps.send(peerID, &RPC{Kind: KindIWant, IDs: missing})
}

func (ps *PubSub) onIWant(peerID string, ids []string) {
	for _, id := range ids {
		if v, ok := ps.mcache.Get(id); ok {
			msg := v.(*Message)
			ps.send(peerID, &RPC{Kind: KindMessage, Message: msg})
		}
	}
}

// heartbeat balances each subscribed topic's mesh toward D peers and lazily
// advertises the cached message IDs to announced non-mesh peers.
func (ps *PubSub) heartbeat() {
	cfg := params.SynapseConfig()
	ps.mu.Lock()
	type action struct {
		kind  string
		topic string
		peers []string
	}
	var actions []action
	gossip := make(map[string][]string) // topic -> peers to IHAVE

	for topic, ts := range ps.topics {
		if !ts.subscribed {
			continue
		}
		if len(ts.mesh) < cfg.MeshTargets.DLow {
			candidates := ps.meshCandidates(ts)
			need := cfg.MeshTargets.D - len(ts.mesh)
			for _, peer := range candidates {
				if need <= 0 {
					break
				}
				ts.mesh[peer] = true
				actions = append(actions, action{KindGraft, topic, []string{peer}})
				need--
			}
		}
		if len(ts.mesh) > cfg.MeshTargets.DHigh {
			members := ps.byScore(keys(ts.mesh))
			// Lowest-scoring members go first.
			for _, peer := range members[:len(ts.mesh)-cfg.MeshTargets.D] {
				delete(ts.mesh, peer)
				actions = append(actions, action{KindPrune, topic, []string{peer}})
			}
		}
		for peer := range ts.fanout {
			if !ts.mesh[peer] {
				gossip[topic] = append(gossip[topic], peer)
			}
		}
	}
	ids := ps.mcache.Keys()
	ps.mu.Unlock()

	for _, act := range actions {
		ps.broadcastControl(act.topic, act.kind, act.peers)
	}
	if len(ids) == 0 {
		return
	}
	have := make([]string, 0, len(ids))
	for _, id := range ids {
		have = append(have, id.(string))
	}
	for topic, targets := range gossip {
		for _, peer := range targets {
			ps.send(peer, &RPC{Kind: KindIHave, Topic: topic, IDs: have})
		}
	}
}

// meshCandidates returns announced non-mesh peers with the highest
// transport scores first, so grafts go to the best-behaved peers.
func (ps *PubSub) meshCandidates(ts *topicState) []string {
	var out []string
	for peer := range ts.fanout {
		if !ts.mesh[peer] && ps.invalid[peer] < invalidFrameLimit {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := ps.transport.PeerScore(out[i]), ps.transport.PeerScore(out[j])
		if si != sj {
			return si > sj
		}
		return out[i] < out[j]
	})
	return out
}

// byScore orders peers by ascending transport score, ties broken by ID.
func (ps *PubSub) byScore(peers []string) []string {
	sort.Slice(peers, func(i, j int) bool {
		si, sj := ps.transport.PeerScore(peers[i]), ps.transport.PeerScore(peers[j])
		if si != sj {
			return si < sj
		}
		return peers[i] < peers[j]
	})
	return peers
}

func (ps *PubSub) sendMessage(msg *Message, targets []string) {
	for _, peer := range targets {
		ps.send(peer, &RPC{Kind: KindMessage, Message: msg})
	}
}

func (ps *PubSub) broadcastControl(topic, kind string, targets []string) {
	for _, peer := range targets {
		ps.send(peer, &RPC{Kind: kind, Topic: topic})
	}
}

func (ps *PubSub) send(peerID string, rpc *RPC) {
	frame, err := EncodeRPC(rpc)
	if err != nil {
		log.WithError(err).Error("Could not encode frame")
		return
	}
	if err := ps.transport.SendRPC(ps.ctx, peerID, frame); err != nil {
		log.WithError(err).WithField("peer", peerID).Debug("Frame delivery failed")
	}
}

// topic returns the state for a topic, creating it on first touch. Caller
// holds the lock.
func (ps *PubSub) topic(name string) *topicState {
	ts, ok := ps.topics[name]
	if !ok {
		ts = &topicState{mesh: make(map[string]bool), fanout: make(map[string]bool)}
		ps.topics[name] = ts
	}
	return ts
}

func allPeers(t Transport) []string {
	return t.Peers()
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
