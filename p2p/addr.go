package p2p

import (
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"github.com/synapse-ng/synapse-ng/crypto/identity"
)

// Node IDs and libp2p peer IDs both derive from the same Ed25519 key, so
// either can be computed from the other without a lookup table.

// PeerIDFromNodeID maps an application node ID onto the transport peer ID.
func PeerIDFromNodeID(nodeID string) (peer.ID, error) {
	pub, err := identity.DecodeNodeID(nodeID)
	if err != nil {
		return "", err
	}
	key, err := libp2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "could not convert public key")
	}
	pid, err := peer.IDFromPublicKey(key)
	if err != nil {
		return "", errors.Wrap(err, "could not derive peer ID")
	}
	return pid, nil
}

// NodeIDFromPeer recovers the application node ID from a transport peer ID.
// Works because Ed25519 peer IDs embed the public key.
func NodeIDFromPeer(pid peer.ID) (string, error) {
	key, err := pid.ExtractPublicKey()
	if err != nil {
		return "", errors.Wrap(err, "peer ID does not embed a public key")
	}
	raw, err := key.Raw()
	if err != nil {
		return "", errors.Wrap(err, "could not read public key")
	}
	return identity.EncodeNodeID(raw), nil
}
