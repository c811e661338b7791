// Package zkp implements the anonymous-vote proof: a Schnorr proof of
// knowledge, made non-interactive with a Fiat-Shamir challenge bound to the
// proposal being voted on, plus a deterministic nullifier that makes a
// second vote by the same key on the same proposal detectable without
// revealing the key.
//
// The prover derives a pseudonymous vote key P = x*B from the node secret.
// P is not linkable to the node ID, and the proof shows control of x. The
// claimed reputation tier rides along inside the challenge so it cannot be
// swapped after the fact. As in the reference design, a full range proof of
// the underlying reputation value is out of scope; the tier claim is bound,
// not proven in zero knowledge.
package zkp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"time"

	"filippo.io/edwards25519"
	"github.com/pkg/errors"

	"github.com/synapse-ng/synapse-ng/config/params"
)

// Tier names, ordered from lowest to highest reputation bucket.
const (
	TierNovice       = "novice"
	TierIntermediate = "intermediate"
	TierExpert       = "expert"
)

// Proof is the transferable anonymous-vote credential.
type Proof struct {
	Tier       string    `json:"tier"`
	Nullifier  string    `json:"nullifier"`
	VoteKey    string    `json:"vote_key"`
	Commitment string    `json:"commitment"`
	Challenge  string    `json:"challenge"`
	Response   string    `json:"response"`
	Timestamp  time.Time `json:"timestamp"`
}

// TierFor buckets a total reputation into a tier using config thresholds.
func TierFor(total int64, cfg *params.SynapseNetworkConfig) string {
	switch {
	case total >= cfg.TierThresholds.Expert:
		return TierExpert
	case total >= cfg.TierThresholds.Intermediate:
		return TierIntermediate
	default:
		return TierNovice
	}
}

// TierWeight returns the vote weight granted to a tier, or an error for an
// unknown tier name.
func TierWeight(tier string, cfg *params.SynapseNetworkConfig) (float64, error) {
	switch tier {
	case TierNovice:
		return cfg.TierWeights.Novice, nil
	case TierIntermediate:
		return cfg.TierWeights.Intermediate, nil
	case TierExpert:
		return cfg.TierWeights.Expert, nil
	default:
		return 0, errors.Errorf("unknown tier: %s", tier)
	}
}

// Nullifier derives the deterministic per-(secret, proposal) tag.
func Nullifier(secret, proposalID string) string {
	sum := sha256.Sum256([]byte("nullifier:" + secret + ":" + proposalID))
	return hex.EncodeToString(sum[:])
}

// voteScalar maps the node secret to the Schnorr secret scalar x.
func voteScalar(secret string) (*edwards25519.Scalar, error) {
	wide := sha512.Sum512([]byte("votekey:" + secret))
	return edwards25519.NewScalar().SetUniformBytes(wide[:])
}

// Generate produces a proof for the given proposal, claiming the tier that
// corresponds to totalReputation under the active thresholds.
func Generate(secret, proposalID string, totalReputation int64, cfg *params.SynapseNetworkConfig) (*Proof, error) {
	x, err := voteScalar(secret)
	if err != nil {
		return nil, errors.Wrap(err, "could not derive vote scalar")
	}
	voteKey := (&edwards25519.Point{}).ScalarBaseMult(x)

	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, errors.Wrap(err, "could not draw commitment nonce")
	}
	r, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return nil, errors.Wrap(err, "could not derive commitment scalar")
	}
	commitment := (&edwards25519.Point{}).ScalarBaseMult(r)

	tier := TierFor(totalReputation, cfg)
	nullifier := Nullifier(secret, proposalID)
	challenge := challengeScalar(commitment.Bytes(), voteKey.Bytes(), tier, nullifier, proposalID)

	// s = r + c*x, so s*B = R + c*P holds for the verifier.
	response := edwards25519.NewScalar().MultiplyAdd(challenge, x, r)

	return &Proof{
		Tier:       tier,
		Nullifier:  nullifier,
		VoteKey:    hex.EncodeToString(voteKey.Bytes()),
		Commitment: hex.EncodeToString(commitment.Bytes()),
		Challenge:  hex.EncodeToString(challenge.Bytes()),
		Response:   hex.EncodeToString(response.Bytes()),
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Verify checks the proof against a proposal. Nullifier reuse is the
// caller's concern: governance tracks the per-proposal nullifier set.
func Verify(p *Proof, proposalID string, now time.Time, cfg *params.SynapseNetworkConfig) error {
	if p == nil {
		return errors.New("missing proof")
	}
	if _, err := TierWeight(p.Tier, cfg); err != nil {
		return err
	}
	age := now.Sub(p.Timestamp)
	if age > cfg.ProofMaxAge {
		return errors.Errorf("proof expired: generated %s ago", age.Round(time.Second))
	}
	if age < -time.Minute {
		return errors.New("proof timestamp is in the future")
	}

	commitment, err := decodePoint(p.Commitment)
	if err != nil {
		return errors.Wrap(err, "bad commitment")
	}
	voteKey, err := decodePoint(p.VoteKey)
	if err != nil {
		return errors.Wrap(err, "bad vote key")
	}
	response, err := decodeScalar(p.Response)
	if err != nil {
		return errors.Wrap(err, "bad response")
	}

	// Recompute the Fiat-Shamir challenge. A proof generated for another
	// proposal, tier, or nullifier fails here.
	challenge := challengeScalar(commitment.Bytes(), voteKey.Bytes(), p.Tier, p.Nullifier, proposalID)
	if hex.EncodeToString(challenge.Bytes()) != p.Challenge {
		return errors.New("challenge mismatch")
	}

	lhs := (&edwards25519.Point{}).ScalarBaseMult(response)
	rhs := (&edwards25519.Point{}).ScalarMult(challenge, voteKey)
	rhs.Add(rhs, commitment)
	if lhs.Equal(rhs) != 1 {
		return errors.New("schnorr relation does not hold")
	}
	return nil
}

func challengeScalar(commitment, voteKey []byte, tier, nullifier, proposalID string) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte("synapse-vote-proof"))
	h.Write(commitment)
	h.Write(voteKey)
	h.Write([]byte(tier))
	h.Write([]byte(nullifier))
	h.Write([]byte(proposalID))
	var wide [64]byte
	h.Sum(wide[:0])
	// SetUniformBytes cannot fail on a 64-byte input.
	s, _ := edwards25519.NewScalar().SetUniformBytes(wide[:])
	return s
}

func decodePoint(s string) (*edwards25519.Point, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return (&edwards25519.Point{}).SetBytes(raw)
}

func decodeScalar(s string) (*edwards25519.Scalar, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return edwards25519.NewScalar().SetCanonicalBytes(raw)
}
