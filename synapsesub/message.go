// Package synapsesub implements the topic-mesh gossip protocol carrying all
// replicated state. Each node keeps a bounded mesh of peers per topic,
// eagerly pushes messages along the mesh, and lazily advertises recent
// message IDs to the rest of the topic so missed messages can be pulled.
package synapsesub

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/synapse-ng/synapse-ng/encoding/bytesutil"
	"github.com/synapse-ng/synapse-ng/encoding/canonical"
)

// Control message kinds.
const (
	KindAnnounce   = "ANNOUNCE"
	KindUnannounce = "UNANNOUNCE"
	KindGraft      = "GRAFT"
	KindPrune      = "PRUNE"
	KindMessage    = "MESSAGE"
	KindIHave      = "I_HAVE"
	KindIWant      = "I_WANT"
)

// Message is one published payload in flight. The origin signs every
// message, so any hop can verify it against the origin's node ID alone.
type Message struct {
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	Origin    string `json:"origin"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

// ID derives the deduplication ID: a hash over payload, origin and nonce,
// so the same publication forwarded along different paths collapses.
func (m *Message) ID() string {
	h := sha256.New()
	h.Write(m.Payload)
	h.Write([]byte(m.Origin))
	h.Write(bytesutil.Uint64ToBytesBigEndian(m.Nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// SigningRoot is the digest the origin signs. Unlike the dedup ID it also
// covers the topic, so a signed payload cannot be replayed onto another
// topic. The NUL separators keep variable-length fields from aliasing.
func (m *Message) SigningRoot() []byte {
	h := sha256.New()
	h.Write([]byte(m.Topic))
	h.Write([]byte{0})
	h.Write([]byte(m.Origin))
	h.Write([]byte{0})
	h.Write(bytesutil.Uint64ToBytesBigEndian(m.Nonce))
	h.Write(m.Payload)
	return h.Sum(nil)
}

// RPC is the wire frame exchanged between peers. Exactly one field group is
// meaningful per kind.
type RPC struct {
	Kind    string   `json:"kind"`
	Topic   string   `json:"topic,omitempty"`
	Message *Message `json:"message,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

// EncodeRPC serializes a frame with the canonical codec.
func EncodeRPC(rpc *RPC) ([]byte, error) {
	return canonical.Marshal(rpc)
}

// DecodeRPC parses a frame.
func DecodeRPC(raw []byte) (*RPC, error) {
	rpc := &RPC{}
	if err := canonical.Unmarshal(raw, rpc); err != nil {
		return nil, err
	}
	return rpc, nil
}
