// Package kv persists the node's durable footprint in a bbolt database: the
// latest state snapshot and the execution-log dispatch cursor. Everything in
// it can be rebuilt from the network; persistence only shortens recovery.
package kv

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/io/file"
)

var log = logrus.WithField("prefix", "db")

// DatabaseFileName is the fixed name of the bolt file inside the data dir.
const DatabaseFileName = "synapse.db"

var (
	snapshotBucket      = []byte("state-snapshot")
	dispatchBucket      = []byte("dispatch")
	dispatchedOpsBucket = []byte("dispatched-operations")
)

// Store is the bolt-backed persistence layer.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// NewKVStore opens (or creates) the database under dirPath.
func NewKVStore(dirPath string) (*Store, error) {
	if err := file.MkdirAll(dirPath); err != nil {
		return nil, errors.Wrap(err, "could not create data directory")
	}
	datafile := filepath.Join(dirPath, DatabaseFileName)
	boltDB, err := bolt.Open(
		datafile,
		params.SynapseIoConfig().ReadWritePermissions,
		&bolt.Options{Timeout: params.SynapseIoConfig().BoltTimeout},
	)
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	kv := &Store{db: boltDB, databasePath: dirPath}
	if err := kv.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{snapshotBucket, dispatchBucket, dispatchedOpsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	log.WithField("path", datafile).Info("Opened database")
	return kv, nil
}

// Close releases the underlying bolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath returns the data directory holding the bolt file.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// ClearDB removes the database file from disk.
func (s *Store) ClearDB() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.databasePath, DatabaseFileName))
}
