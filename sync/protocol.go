// Package sync implements anti-entropy reconciliation: peers periodically
// exchange per-channel digests and ship only the shards that diverge. The
// merge engine makes applying a received shard idempotent, so sync can be
// aggressive without risk.
package sync

import (
	"bufio"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/encoding/canonical"
	"github.com/synapse-ng/synapse-ng/p2p"
	"github.com/synapse-ng/synapse-ng/state"
)

var log = logrus.WithField("prefix", "sync")

// Request opens an exchange: the requester's digests, one per channel plus
// the global shard.
type Request struct {
	Digests map[string]*state.Digest `json:"digests"`
}

// Response carries the shards the responder believes the requester is
// missing or diverging on.
type Response struct {
	Channels map[string]*state.Channel `json:"channels,omitempty"`
	Global   *state.Global             `json:"global,omitempty"`
}

// BuildResponse compares the requester's digests against local state and
// collects every diverging shard. Unknown channels are sent whole.
func BuildResponse(st *state.State, remote map[string]*state.Digest) *Response {
	resp := &Response{Channels: make(map[string]*state.Channel)}
	local := state.Digests(st)
	for name, d := range local {
		if name == state.GlobalChannel {
			if !d.Equal(remote[name]) {
				resp.Global = st.Global
			}
			continue
		}
		if !d.Equal(remote[name]) {
			resp.Channels[name] = st.Channels[name]
		}
	}
	return resp
}

// ApplyResponse merges received shards into local state. Returns true when
// anything changed.
func ApplyResponse(st *state.State, resp *Response) bool {
	incoming := &state.State{Channels: resp.Channels, Global: resp.Global}
	if incoming.Channels == nil {
		incoming.Channels = map[string]*state.Channel{}
	}
	return state.MergeState(st, incoming)
}

func writeMessage(w io.Writer, v interface{}) error {
	raw, err := canonical.Marshal(v)
	if err != nil {
		return err
	}
	return p2p.WriteFrame(w, raw)
}

func readMessage(r *bufio.Reader, v interface{}) error {
	raw, err := p2p.ReadFrame(r)
	if err != nil {
		return err
	}
	return canonical.Unmarshal(raw, v)
}
