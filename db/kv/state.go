package kv

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/synapse-ng/synapse-ng/encoding/bytesutil"
	"github.com/synapse-ng/synapse-ng/encoding/canonical"
	"github.com/synapse-ng/synapse-ng/state"
)

var (
	snapshotKey     = []byte("latest")
	snapshotHashKey = []byte("latest-hash")
	cursorKey       = []byte("last-dispatched")
)

// SaveSnapshot persists the canonical encoding of the full state together
// with its hash, so corruption is caught on load instead of surfacing as
// silently divergent state.
func (s *Store) SaveSnapshot(st *state.State) error {
	raw, err := canonical.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "could not encode state")
	}
	sum := canonical.HashBytes(raw)
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(snapshotBucket)
		if err := bkt.Put(snapshotKey, raw); err != nil {
			return err
		}
		return bkt.Put(snapshotHashKey, []byte(sum))
	})
}

// Snapshot loads the persisted state, or nil when none was saved yet. A hash
// mismatch is fatal: the caller must refuse to start rather than join the
// network with corrupt state.
func (s *Store) Snapshot() (*state.State, error) {
	var raw, sum []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(snapshotBucket)
		if v := bkt.Get(snapshotKey); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		if v := bkt.Get(snapshotHashKey); v != nil {
			sum = make([]byte, len(v))
			copy(sum, v)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	if sum != nil && canonical.HashBytes(raw) != string(sum) {
		return nil, errors.New("state snapshot failed integrity check")
	}
	st := state.NewState()
	if err := canonical.Unmarshal(raw, st); err != nil {
		return nil, errors.Wrap(err, "could not decode persisted state")
	}
	return st, nil
}

// SaveDispatchedSequence records the highest execution-log sequence whose
// command has been applied locally.
func (s *Store) SaveDispatchedSequence(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dispatchBucket).Put(cursorKey, bytesutil.Uint64ToBytesBigEndian(seq))
	})
}

// DispatchedSequence returns the persisted dispatch cursor, zero when the
// node has never dispatched.
func (s *Store) DispatchedSequence() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = bytesutil.BytesToUint64BigEndian(tx.Bucket(dispatchBucket).Get(cursorKey))
		return nil
	})
	return seq, err
}

// MarkDispatched records that the command of proposalID has been applied,
// together with the sequence it held at dispatch time.
func (s *Store) MarkDispatched(proposalID string, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dispatchedOpsBucket).Put([]byte(proposalID), bytesutil.Uint64ToBytesBigEndian(seq))
	})
}

// Dispatched reports whether the command of proposalID was already applied.
func (s *Store) Dispatched(proposalID string) (bool, error) {
	var done bool
	err := s.db.View(func(tx *bolt.Tx) error {
		done = tx.Bucket(dispatchedOpsBucket).Get([]byte(proposalID)) != nil
		return nil
	})
	return done, err
}
