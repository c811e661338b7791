// Package peers tracks the connection state and quality score of every peer
// the node has seen. The score blends replicated reputation with locally
// observed stability and latency, and drives both eviction under the
// connection cap and mesh candidate selection.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
)

// ConnectionState of a tracked peer.
type ConnectionState int

// Connection states.
const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

type peerStatus struct {
	state            ConnectionState
	firstConnected   time.Time
	lastSeen         time.Time
	disconnects      int
	latency          time.Duration
	reputation       float64
	missedHeartbeats int
	protected        bool
}

// Status is the thread-safe peer registry.
type Status struct {
	mu    sync.RWMutex
	peers map[string]*peerStatus
	clock func() time.Time
}

// NewStatus returns an empty registry.
func NewStatus() *Status {
	return &Status{
		peers: make(map[string]*peerStatus),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Status) fetch(nodeID string) *peerStatus {
	p, ok := s.peers[nodeID]
	if !ok {
		p = &peerStatus{}
		s.peers[nodeID] = p
	}
	return p
}

// Connected marks a peer as connected.
func (s *Status) Connected(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.fetch(nodeID)
	now := s.clock()
	if p.firstConnected.IsZero() {
		p.firstConnected = now
	}
	p.state = Connected
	p.lastSeen = now
	p.missedHeartbeats = 0
}

// Disconnected marks a peer as gone and counts the drop against its
// stability.
func (s *Status) Disconnected(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.fetch(nodeID)
	p.state = Disconnected
	p.disconnects++
}

// Dialing marks an outbound connection attempt. Connected sessions are left
// untouched.
func (s *Status) Dialing(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.fetch(nodeID)
	if p.state != Connected {
		p.state = Connecting
	}
}

// DialFailed rolls a failed attempt back to disconnected without charging
// the stability penalty a dropped session would.
func (s *Status) DialFailed(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.fetch(nodeID)
	if p.state == Connecting {
		p.state = Disconnected
	}
}

// PruneStale drops disconnected records not seen within the inactivity
// timeout. Connected peers and in-flight dials are kept.
func (s *Status) PruneStale() {
	cutoff := s.clock().Add(-params.SynapseConfig().PeerInactivityTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.peers {
		if p.state != Disconnected {
			continue
		}
		if p.lastSeen.Before(cutoff) {
			delete(s.peers, id)
		}
	}
}

// HeartbeatSeen resets the missed-heartbeat counter.
func (s *Status) HeartbeatSeen(nodeID string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.fetch(nodeID)
	p.lastSeen = s.clock()
	p.missedHeartbeats = 0
	if latency > 0 {
		// Exponential moving average, biased toward recent samples.
		if p.latency == 0 {
			p.latency = latency
		} else {
			p.latency = (p.latency*3 + latency) / 4
		}
	}
}

// HeartbeatMissed bumps the counter and reports whether the peer crossed
// the configured miss limit.
func (s *Status) HeartbeatMissed(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.fetch(nodeID)
	p.missedHeartbeats++
	return p.missedHeartbeats >= params.SynapseConfig().MaxMissedHeartbeats
}

// SetReputation refreshes the replicated reputation component.
func (s *Status) SetReputation(nodeID string, reputation float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetch(nodeID).reputation = reputation
}

// Protect pins a peer so eviction never selects it.
func (s *Status) Protect(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetch(nodeID).protected = true
}

// IsConnected reports the connection state.
func (s *Status) IsConnected(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[nodeID]
	return ok && p.state == Connected
}

// ConnectedPeers lists connected peer IDs, sorted.
func (s *Status) ConnectedPeers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, p := range s.peers {
		if p.state == Connected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Score computes the blended quality score in [0, 1].
func (s *Status) Score(nodeID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[nodeID]
	if !ok {
		return 0
	}
	return s.score(p)
}

func (s *Status) score(p *peerStatus) float64 {
	cfg := params.SynapseConfig()
	w := cfg.PeerScoreWeights

	// Reputation saturates at 100 for scoring purposes.
	rep := p.reputation / 100
	if rep > 1 {
		rep = 1
	}

	uptime := s.clock().Sub(p.firstConnected)
	stability := 1.0
	if p.disconnects > 0 {
		hours := uptime.Hours()
		if hours < 1 {
			hours = 1
		}
		stability = 1 / (1 + float64(p.disconnects)/hours)
	}

	latency := 1.0
	if p.latency > 0 {
		latency = 1 - float64(p.latency)/float64(time.Second)
		if latency < 0 {
			latency = 0
		}
	}

	return w.Reputation*rep + w.Stability*stability + w.Latency*latency
}

// EvictionCandidate returns the lowest-scoring unprotected connected peer,
// or false when every connected peer is protected.
func (s *Status) EvictionCandidate() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var worst string
	worstScore := 2.0
	for id, p := range s.peers {
		if p.state != Connected || p.protected {
			continue
		}
		if sc := s.score(p); sc < worstScore || (sc == worstScore && id < worst) {
			worst = id
			worstScore = sc
		}
	}
	return worst, worst != ""
}

// ProtectBest pins the top-scoring peers up to the configured count.
func (s *Status) ProtectBest() {
	cfg := params.SynapseConfig()
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		id    string
		score float64
	}
	var all []scored
	for id, p := range s.peers {
		p.protected = false
		if p.state == Connected {
			all = append(all, scored{id, s.score(p)})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})
	for i, sc := range all {
		if i >= cfg.ProtectedPeers {
			break
		}
		s.peers[sc.id].protected = true
	}
}
