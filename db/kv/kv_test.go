package kv

import (
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/testing/assert"
	"github.com/synapse-ng/synapse-ng/testing/require"
)

func setupDB(t *testing.T) *Store {
	db, err := NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	db := setupDB(t)

	loaded, err := db.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, (*state.State)(nil), loaded, "fresh database has no snapshot")

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := state.NewState()
	ch := state.EnsureChannel(st, "dev", t0)
	ch.Participants["node-a"] = t0
	ch.Tasks["t1"] = &state.Task{
		ID: "t1", Channel: "dev", Title: "persisted", Reward: 5,
		Status: state.TaskOpen, Creator: "node-a",
		Schema: state.SchemaTaskV1, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, db.SaveSnapshot(st))

	loaded, err = db.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, true, state.ChannelDigest(st.Channels["dev"]).Equal(state.ChannelDigest(loaded.Channels["dev"])))
}

func TestStore_SnapshotCorruptionDetected(t *testing.T) {
	db := setupDB(t)

	st := state.NewState()
	require.NoError(t, db.SaveSnapshot(st))

	// Flip bytes behind the store's back the way on-disk corruption would.
	require.NoError(t, db.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotBucket).Get(snapshotKey)
		garbled := make([]byte, len(raw))
		copy(garbled, raw)
		garbled[0] ^= 0xff
		return tx.Bucket(snapshotBucket).Put(snapshotKey, garbled)
	}))

	_, err := db.Snapshot()
	require.ErrorContains(t, "integrity check", err)
}

func TestStore_DispatchCursor(t *testing.T) {
	db := setupDB(t)

	seq, err := db.DispatchedSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	require.NoError(t, db.SaveDispatchedSequence(42))
	seq, err = db.DispatchedSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
}

func TestStore_DispatchedMarks(t *testing.T) {
	db := setupDB(t)

	done, err := db.Dispatched("p1")
	require.NoError(t, err)
	assert.Equal(t, false, done)

	require.NoError(t, db.MarkDispatched("p1", 7))
	done, err = db.Dispatched("p1")
	require.NoError(t, err)
	assert.Equal(t, true, done)

	done, err = db.Dispatched("p2")
	require.NoError(t, err)
	assert.Equal(t, false, done, "marks are per proposal")
}
