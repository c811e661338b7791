package state

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/encoding/canonical"
)

var log = logrus.WithField("prefix", "state")

// Store is the concurrency-safe owner of the node's replicated state. All
// reads and writes go through View and Update; pointers must not escape the
// callbacks.
type Store struct {
	mu     sync.RWMutex
	nodeID string
	state  *State
	clock  func() time.Time
}

// NewStore returns a store seeded with an empty state.
func NewStore(nodeID string) *Store {
	return &Store{
		nodeID: nodeID,
		state:  NewState(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// NodeID returns the owning node's identifier.
func (s *Store) NodeID() string {
	return s.nodeID
}

// SetClock overrides the store clock, used by tests that need deterministic
// timestamps.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock()
}

// View runs fn with shared read access to the state.
func (s *Store) View(fn func(st *State)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.state)
}

// Update runs fn with exclusive write access. When fn returns an error the
// mutation is considered not to have happened; fn must not partially mutate
// before validating.
func (s *Store) Update(fn func(st *State, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state, s.clock())
}

// Snapshot returns an independent deep copy of the state, safe to hand to
// other goroutines or to serialize for sync.
func (s *Store) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CopyState(s.state)
}

// SnapshotChannel deep-copies a single channel, or nil when it is unknown.
func (s *Store) SnapshotChannel(name string) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.state.Channels[name]
	if !ok {
		return nil
	}
	cp := &Channel{}
	mustCopy(ch, cp)
	return cp
}

// SnapshotGlobal deep-copies the global registries.
func (s *Store) SnapshotGlobal() *Global {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := &Global{}
	mustCopy(s.state.Global, cp)
	return cp
}

// Replace installs a fully formed state, used when restoring from disk.
func (s *Store) Replace(st *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// EnsureChannel returns the channel shard, creating it when absent.
func EnsureChannel(st *State, name string, now time.Time) *Channel {
	ch, ok := st.Channels[name]
	if !ok {
		ch = NewChannel(name, now)
		st.Channels[name] = ch
	}
	return ch
}

// CopyState deep-copies a state via the canonical codec. The codec is the
// single source of truth for what is replicated, so a copy round-trips
// exactly the replicated fields.
func CopyState(st *State) *State {
	cp := &State{}
	mustCopy(st, cp)
	return cp
}

func mustCopy(src, dst interface{}) {
	raw, err := canonical.Marshal(src)
	if err != nil {
		log.WithError(err).Fatal("State is not serializable")
	}
	if err := canonical.Unmarshal(raw, dst); err != nil {
		log.WithError(err).Fatal("State copy failed to decode")
	}
}
