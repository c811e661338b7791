package synapsesub

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

// fabric wires a set of engines together with synchronous in-memory
// delivery, standing in for the stream transport.
type fabric struct {
	mu     sync.Mutex
	nodes  map[string]*PubSub
	scores map[string]float64
}

func newFabric() *fabric {
	return &fabric{nodes: make(map[string]*PubSub), scores: make(map[string]float64)}
}

type port struct {
	f      *fabric
	nodeID string
}

func (p *port) SendRPC(_ context.Context, peerID string, frame []byte) error {
	p.f.mu.Lock()
	target := p.f.nodes[peerID]
	p.f.mu.Unlock()
	if target != nil {
		target.HandleRPC(p.nodeID, frame)
	}
	return nil
}

func (p *port) Peers() []string {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	var out []string
	for id := range p.f.nodes {
		if id != p.nodeID {
			out = append(out, id)
		}
	}
	return out
}

func (p *port) PeerScore(peerID string) float64 {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	return p.f.scores[peerID]
}

type testNode struct {
	*PubSub
	id string
}

func (f *fabric) add(t *testing.T, seed byte) *testNode {
	ident := identity.FromSeed(bytes.Repeat([]byte{seed}, 32))
	ps, err := New(context.Background(), ident, &port{f: f, nodeID: ident.NodeID()})
	require.NoError(t, err)
	f.mu.Lock()
	f.nodes[ident.NodeID()] = ps
	f.mu.Unlock()
	return &testNode{PubSub: ps, id: ident.NodeID()}
}

func TestPublish_ReachesMeshAndDedups(t *testing.T) {
	f := newFabric()
	a := f.add(t, 1)
	b := f.add(t, 2)
	c := f.add(t, 3)

	var mu sync.Mutex
	got := map[string]int{}
	record := func(who string) Handler {
		return func(msg *Message) {
			mu.Lock()
			got[who]++
			mu.Unlock()
		}
	}
	a.Subscribe("dev:state", record("a"))
	b.Subscribe("dev:state", record("b"))
	c.Subscribe("dev:state", record("c"))

	// Graft a full mesh by hand: a-b, a-c, b-c.
	a.HandleRPC(b.id, mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	a.HandleRPC(c.id, mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	b.HandleRPC(a.id, mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	b.HandleRPC(c.id, mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	c.HandleRPC(a.id, mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	c.HandleRPC(b.id, mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))

	a.Publish("dev:state", []byte(`{"v":1}`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got["a"], "publisher delivers locally once")
	assert.Equal(t, 1, got["b"], "forwarding must not duplicate delivery")
	assert.Equal(t, 1, got["c"])
}

func TestGraft_RejectedWhenMeshFull(t *testing.T) {
	f := newFabric()
	a := f.add(t, 1)
	a.Subscribe("dev:state", nil)

	full := params.SynapseConfig().MeshTargets.DHigh
	for i := 0; i < full; i++ {
		a.HandleRPC(peerName(i), mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	}
	require.Equal(t, full, len(a.MeshPeers("dev:state")))

	a.HandleRPC("node-overflow", mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	assert.Equal(t, full, len(a.MeshPeers("dev:state")), "over-full mesh must refuse grafts")
}

func TestIHaveIWant_RecoversMissedMessage(t *testing.T) {
	f := newFabric()
	a := f.add(t, 1)
	b := f.add(t, 2)

	var mu sync.Mutex
	var received []*Message
	b.Subscribe("dev:state", func(msg *Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})
	a.Subscribe("dev:state", nil)

	// a publishes with an empty mesh: nobody gets the message eagerly.
	a.Publish("dev:state", []byte(`{"v":2}`))
	mu.Lock()
	require.Equal(t, 0, len(received))
	mu.Unlock()

	// b learns the ID via I_HAVE and pulls it with I_WANT. The served copy
	// carries a's signature, so it still verifies on arrival.
	msg := &Message{Topic: "dev:state", Payload: []byte(`{"v":2}`), Origin: a.id, Nonce: 1}
	b.HandleRPC(a.id, mustFrame(t, &RPC{Kind: KindIHave, Topic: "dev:state", IDs: []string{msg.ID()}}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, len(received))
	assert.DeepEqual(t, []byte(`{"v":2}`), received[0].Payload)
}

func TestMessage_BadSignatureScoresDownAndPrunes(t *testing.T) {
	f := newFabric()
	a := f.add(t, 1)

	var mu sync.Mutex
	delivered := 0
	a.Subscribe("dev:state", func(*Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	a.HandleRPC("evil", mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	require.DeepEqual(t, []string{"evil"}, a.MeshPeers("dev:state"))

	for i := 0; i < invalidFrameLimit; i++ {
		bad := &Message{
			Topic:     "dev:state",
			Payload:   []byte(`{"forged":true}`),
			Origin:    "evil",
			Nonce:     uint64(i + 1),
			Signature: "bogus",
		}
		a.HandleRPC("evil", mustFrame(t, &RPC{Kind: KindMessage, Message: bad}))
	}

	mu.Lock()
	assert.Equal(t, 0, delivered, "forged messages must never reach the application")
	mu.Unlock()
	assert.Equal(t, 0, len(a.MeshPeers("dev:state")), "repeat offender must be pruned")

	a.HandleRPC("evil", mustFrame(t, &RPC{Kind: KindGraft, Topic: "dev:state"}))
	assert.Equal(t, 0, len(a.MeshPeers("dev:state")), "pruned offender must not re-graft")
}

func TestMessage_SignatureBindsTopic(t *testing.T) {
	ident := identity.FromSeed(bytes.Repeat([]byte{9}, 32))
	msg := &Message{Topic: "dev:state", Payload: []byte(`{"v":3}`), Origin: ident.NodeID(), Nonce: 7}
	msg.Signature = ident.SignBytes(msg.SigningRoot())
	require.NoError(t, identity.VerifyBytes(msg.Origin, msg.SigningRoot(), msg.Signature))

	replayed := *msg
	replayed.Topic = "dev:other"
	assert.NotNil(t, identity.VerifyBytes(replayed.Origin, replayed.SigningRoot(), replayed.Signature),
		"a signature must not transfer to another topic")
}

func TestHeartbeat_GraftsPreferHighScore(t *testing.T) {
	f := newFabric()
	a := f.add(t, 1)
	a.Subscribe("dev:state", nil)

	// Eight announced peers with distinct scores; the mesh target D is six,
	// so the two lowest scorers must be left out.
	names := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}
	f.mu.Lock()
	for i, name := range names {
		f.scores[name] = float64(i)
	}
	f.mu.Unlock()
	for _, name := range names {
		a.HandleRPC(name, mustFrame(t, &RPC{Kind: KindAnnounce, Topic: "dev:state"}))
	}

	a.heartbeat()

	want := names[len(names)-params.SynapseConfig().MeshTargets.D:]
	assert.DeepEqual(t, want, a.MeshPeers("dev:state"))
}

func TestMessageID_Stable(t *testing.T) {
	m1 := &Message{Topic: "x", Payload: []byte("p"), Origin: "o", Nonce: 1}
	m2 := &Message{Topic: "y", Payload: []byte("p"), Origin: "o", Nonce: 1}
	m3 := &Message{Topic: "x", Payload: []byte("p"), Origin: "o", Nonce: 2}
	assert.Equal(t, m1.ID(), m2.ID(), "topic is not part of the ID")
	assert.NotEqual(t, m1.ID(), m3.ID())
}

func mustFrame(t *testing.T, rpc *RPC) []byte {
	frame, err := EncodeRPC(rpc)
	require.NoError(t, err)
	return frame
}

func peerName(i int) string {
	return "peer-" + string(rune('a'+i))
}
