package identity

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func seeded(t *testing.T, b byte) *Identity {
	t.Helper()
	return FromSeed(bytes.Repeat([]byte{b}, 32))
}

func TestSignVerify_RoundTrip(t *testing.T) {
	id := seeded(t, 1)

	payload := map[string]interface{}{"channel": "dev", "title": "hello"}
	sig, err := id.Sign(payload)
	require.NoError(t, err)
	require.NoError(t, Verify(id.NodeID(), payload, sig))

	// The node ID alone is enough to verify; no registry lookup involved.
	raw := []byte("raw frame")
	require.NoError(t, VerifyBytes(id.NodeID(), raw, id.SignBytes(raw)))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	id := seeded(t, 2)
	sig := id.SignBytes([]byte("original"))
	err := VerifyBytes(id.NodeID(), []byte("altered"), sig)
	require.ErrorContains(t, "signature verification failed", err)
}

func TestVerify_RejectsWrongSigner(t *testing.T) {
	alice := seeded(t, 3)
	mallory := seeded(t, 4)
	sig := mallory.SignBytes([]byte("claimed by alice"))
	err := VerifyBytes(alice.NodeID(), []byte("claimed by alice"), sig)
	require.ErrorContains(t, "signature verification failed", err)
}

func TestFromSeed_Deterministic(t *testing.T) {
	a := seeded(t, 5)
	b := seeded(t, 5)
	assert.Equal(t, a.NodeID(), b.NodeID())
	assert.NotEqual(t, a.NodeID(), seeded(t, 6).NodeID())
}

func TestDecodeNodeID(t *testing.T) {
	id := seeded(t, 7)
	pub, err := DecodeNodeID(id.NodeID())
	require.NoError(t, err)
	assert.DeepEqual(t, []byte(id.PublicKey()), []byte(pub))

	_, err = DecodeNodeID("not/base64!!")
	require.ErrorContains(t, "malformed node ID", err)

	_, err = DecodeNodeID("c2hvcnQ")
	require.ErrorContains(t, "decodes to", err)
}

func TestLoadOrCreate_PersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node_key.pem")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.NodeID(), second.NodeID(), "reloading the key file must yield the same identity")
}

func TestSecret_StablePerKey(t *testing.T) {
	id := seeded(t, 8)
	assert.Equal(t, id.Secret(), id.Secret())
	assert.NotEqual(t, id.Secret(), seeded(t, 9).Secret())
	assert.NotEqual(t, id.Secret(), id.NodeID(), "the nullifier secret must not be derivable from the public ID")
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Short("abc"))
	assert.Equal(t, "abcdefgh", Short("abcdefghij"))
}

func TestLibP2PKey_MatchesIdentity(t *testing.T) {
	id := seeded(t, 10)
	key, err := id.LibP2PKey()
	require.NoError(t, err)
	raw, err := key.GetPublic().Raw()
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), EncodeNodeID(raw), "transport and application keys must be the same key")
}
