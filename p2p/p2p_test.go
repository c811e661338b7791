package p2p

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func TestPeerIDMapping_RoundTrip(t *testing.T) {
	id := identity.FromSeed(bytes.Repeat([]byte{7}, 32))

	pid, err := PeerIDFromNodeID(id.NodeID())
	require.NoError(t, err)

	back, err := NodeIDFromPeer(pid)
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), back)
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"kind":"MESSAGE"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.DeepEqual(t, payload, got)
}

func TestFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, maxFrameSize+1))
	require.ErrorContains(t, "exceeds limit", err)
}

func TestRegistration_SignAndVerify(t *testing.T) {
	id := identity.FromSeed(bytes.Repeat([]byte{9}, 32))
	reg := &Registration{
		NodeID:    id.NodeID(),
		Addrs:     []string{"/ip4/127.0.0.1/tcp/9000/p2p/QmTest"},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, SignRegistration(id, reg))
	require.NoError(t, VerifyRegistration(reg))

	reg.Addrs = []string{"/ip4/10.0.0.1/tcp/9000/p2p/QmEvil"}
	err := VerifyRegistration(reg)
	require.ErrorContains(t, "signature verification failed", err)
}

func TestIntroductionCache_KeepsFreshest(t *testing.T) {
	self := identity.FromSeed(bytes.Repeat([]byte{1}, 32))
	svc := NewService(context.Background(), &Config{Identity: self})

	other := identity.FromSeed(bytes.Repeat([]byte{2}, 32))
	older := &Registration{
		NodeID:    other.NodeID(),
		Addrs:     []string{"/ip4/127.0.0.1/tcp/9001"},
		Timestamp: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, SignRegistration(other, older))
	newer := &Registration{
		NodeID:    other.NodeID(),
		Addrs:     []string{"/ip4/192.168.1.5/tcp/9001"},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, SignRegistration(other, newer))

	assert.Equal(t, true, svc.cacheIntroduction(newer))
	assert.Equal(t, false, svc.cacheIntroduction(older), "stale introduction should not replace a fresher one")

	list := svc.cachedIntroductions("")
	require.Equal(t, 1, len(list))
	assert.DeepEqual(t, newer.Addrs, list[0].Addrs)

	// The subject of an exchange never gets its own introduction back.
	assert.Equal(t, 0, len(svc.cachedIntroductions(other.NodeID())))

	// A node does not cache introductions for itself.
	mine := &Registration{
		NodeID:    self.NodeID(),
		Addrs:     []string{"/ip4/127.0.0.1/tcp/9002"},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, SignRegistration(self, mine))
	assert.Equal(t, false, svc.cacheIntroduction(mine))
}
