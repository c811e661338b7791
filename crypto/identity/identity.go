// Package identity manages the node's persistent Ed25519 keypair. The node
// ID is the url-safe base64 encoding of the public key, which makes every
// identifier on the network self-certifying: any payload attributed to a
// node can be verified against the ID alone.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/encoding/canonical"
	"github.com/synapse-ng/synapse-ng/io/file"
)

var log = logrus.WithField("prefix", "identity")

const pemBlockType = "PRIVATE KEY"

// Identity is the node's signing keypair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   string
}

// NodeID returns the stable identifier derived from the public key.
func (id *Identity) NodeID() string {
	return id.id
}

// PublicKey returns the raw public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

// LoadOrCreate reads the keypair from path, generating and persisting a new
// one when the file does not exist yet.
func LoadOrCreate(path string) (*Identity, error) {
	if file.FileExists(path) {
		id, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		log.WithField("nodeID", Short(id.id)).Info("Loaded node identity")
		return id, nil
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.saveToFile(path); err != nil {
		return nil, err
	}
	log.WithField("nodeID", Short(id.id)).Info("Generated new node identity")
	return id, nil
}

// Generate creates a fresh in-memory identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate keypair")
	}
	return fromKeys(priv, pub), nil
}

// FromSeed builds a deterministic identity from a 32-byte seed. Used by
// tests that need stable node IDs.
func FromSeed(seed []byte) *Identity {
	priv := ed25519.NewKeyFromSeed(seed)
	return fromKeys(priv, priv.Public().(ed25519.PublicKey))
}

func fromKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Identity {
	return &Identity{
		priv: priv,
		pub:  pub,
		id:   EncodeNodeID(pub),
	}
}

func loadFromFile(path string) (*Identity, error) {
	raw, err := file.ReadFileAsBytes(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read key file")
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemBlockType {
		return nil, errors.New("key file is not a PEM private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse private key")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.Errorf("unexpected key type %T, want Ed25519", parsed)
	}
	return fromKeys(priv, priv.Public().(ed25519.PublicKey)), nil
}

func (id *Identity) saveToFile(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return errors.Wrap(err, "could not serialize private key")
	}
	encoded := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := file.MkdirAll(filepath.Dir(path)); err != nil {
		return errors.Wrap(err, "could not create key directory")
	}
	// Atomic replace so a crash mid-write never leaves a truncated key.
	tmp := path + ".tmp"
	if err := file.WriteFile(tmp, encoded); err != nil {
		return errors.Wrap(err, "could not write key file")
	}
	return os.Rename(tmp, path)
}

// Sign signs the canonical encoding of v, returning a url-safe base64
// signature.
func (id *Identity) Sign(v interface{}) (string, error) {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(id.priv, msg)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// SignBytes signs raw bytes.
func (id *Identity) SignBytes(msg []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(id.priv, msg))
}

// Secret derives the persistent secret used for nullifier generation. It is
// a one-way function of the private key and must never leave the process.
func (id *Identity) Secret() string {
	sum := sha256.Sum256(id.priv.Seed())
	return hex.EncodeToString(sum[:])
}

// LibP2PKey converts the identity into the libp2p key type so the transport
// session is bound to the same Ed25519 key that signs application state.
func (id *Identity) LibP2PKey() (libp2pcrypto.PrivKey, error) {
	key, err := libp2pcrypto.UnmarshalEd25519PrivateKey(id.priv)
	if err != nil {
		return nil, errors.Wrap(err, "could not convert key for libp2p")
	}
	return key, nil
}

// EncodeNodeID derives a node ID from a public key.
func EncodeNodeID(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodeNodeID recovers the public key embedded in a node ID.
func DecodeNodeID(nodeID string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(nodeID)
	if err != nil {
		return nil, errors.Wrap(err, "malformed node ID")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.Errorf("node ID decodes to %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a signature over the canonical encoding of v against the
// public key embedded in nodeID.
func Verify(nodeID string, v interface{}, sigB64 string) error {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return err
	}
	return VerifyBytes(nodeID, msg, sigB64)
}

// VerifyBytes checks a signature over raw bytes.
func VerifyBytes(nodeID string, msg []byte, sigB64 string) error {
	pub, err := DecodeNodeID(nodeID)
	if err != nil {
		return err
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return errors.Wrap(err, "malformed signature")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// Short truncates a node ID for log output.
func Short(nodeID string) string {
	if len(nodeID) <= 8 {
		return nodeID
	}
	return nodeID[:8]
}
