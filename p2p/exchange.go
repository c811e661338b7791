package p2p

import (
	"bufio"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/encoding/canonical"
)

// ExchangeProtocol relays signed introductions between connected peers.
// A node that can reach only one member of the swarm learns the addresses
// of the rest through it, so signaling keeps working when every rendezvous
// server is unreachable.
const ExchangeProtocol = protocol.ID("/synapse/pex/1.0.0")

// maxRelayedIntroductions caps a single exchange reply.
const maxRelayedIntroductions = 32

// Dial bounds for one introduction.
const (
	dialAttempts   = 3
	maxDialBackoff = 4 * time.Second
)

// selfRegistration builds and signs this node's introduction.
func (s *Service) selfRegistration() (*Registration, error) {
	reg := &Registration{
		NodeID:    s.cfg.Identity.NodeID(),
		Addrs:     s.Multiaddrs(),
		Timestamp: time.Now().UTC(),
	}
	if len(reg.Addrs) == 0 {
		return nil, errNoListenAddrs
	}
	if err := SignRegistration(s.cfg.Identity, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// cacheIntroduction keeps the newest verified registration per node. Returns
// true when the entry is new or fresher than the cached one.
func (s *Service) cacheIntroduction(reg *Registration) bool {
	if reg.NodeID == s.cfg.Identity.NodeID() {
		return false
	}
	if err := VerifyRegistration(reg); err != nil {
		log.WithField("peer", identity.Short(reg.NodeID)).Debug("Dropping unverifiable introduction")
		return false
	}
	s.introMu.Lock()
	defer s.introMu.Unlock()
	if cached, ok := s.intros[reg.NodeID]; ok && !reg.Timestamp.After(cached.Timestamp) {
		return false
	}
	s.intros[reg.NodeID] = reg
	return true
}

// cachedIntroductions returns the freshest introductions this node can vouch
// for, excluding the given node and anything older than the inactivity
// timeout.
func (s *Service) cachedIntroductions(exclude string) []*Registration {
	cutoff := time.Now().UTC().Add(-params.SynapseConfig().PeerInactivityTimeout)
	s.introMu.Lock()
	defer s.introMu.Unlock()
	var out []*Registration
	for id, reg := range s.intros {
		if id == exclude {
			continue
		}
		if reg.Timestamp.Before(cutoff) {
			delete(s.intros, id)
			continue
		}
		out = append(out, reg)
		if len(out) >= maxRelayedIntroductions {
			break
		}
	}
	return out
}

// handleExchangeStream answers one inbound exchange: the dialer sends its
// own signed introduction, we reply with everything we can vouch for.
func (s *Service) handleExchangeStream(stream network.Stream) {
	defer func() {
		if err := stream.Close(); err != nil {
			log.WithError(err).Debug("Could not close stream")
		}
	}()
	applyDeadline(stream)
	frame, err := ReadFrame(bufio.NewReader(stream))
	if err != nil {
		return
	}
	reg := &Registration{}
	if err := canonical.Unmarshal(frame, reg); err != nil {
		log.WithError(err).Debug("Malformed introduction")
		return
	}
	s.cacheIntroduction(reg)

	reply := &PeerList{Peers: s.cachedIntroductions(reg.NodeID)}
	body, err := canonical.Marshal(reply)
	if err != nil {
		log.WithError(err).Error("Could not encode introductions")
		return
	}
	if err := WriteFrame(stream, body); err != nil {
		log.WithError(err).Debug("Could not send introductions")
	}
}

// exchangeOnce trades introductions with one random connected peer and dials
// anything new, skipping the dial phase while the session table is full.
func (s *Service) exchangeOnce() {
	peers := s.status.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	target := peers[s.rng.Intn(len(peers))]

	self, err := s.selfRegistration()
	if err != nil {
		log.WithError(err).Debug("No introduction to offer yet")
		return
	}
	body, err := canonical.Marshal(self)
	if err != nil {
		log.WithError(err).Error("Could not encode introduction")
		return
	}

	stream, err := s.openStream(s.ctx, target, ExchangeProtocol)
	if err != nil {
		log.WithError(err).WithField("peer", identity.Short(target)).Debug("Could not open exchange stream")
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.WithError(err).Debug("Could not close stream")
		}
	}()
	applyDeadline(stream)
	if err := WriteFrame(stream, body); err != nil {
		return
	}
	frame, err := ReadFrame(bufio.NewReader(stream))
	if err != nil {
		return
	}
	list := &PeerList{}
	if err := canonical.Unmarshal(frame, list); err != nil {
		log.WithError(err).Debug("Malformed introduction list")
		return
	}

	cfg := params.SynapseConfig()
	for _, reg := range list.Peers {
		if !s.cacheIntroduction(reg) {
			continue
		}
		if len(s.status.ConnectedPeers()) >= cfg.MaxPeers {
			return
		}
		if s.status.IsConnected(reg.NodeID) {
			continue
		}
		if s.dialIntroduction(reg) {
			log.WithField("peer", identity.Short(reg.NodeID)).Info("Connected via relayed introduction")
		}
	}
}

// dialIntroduction tries every address in a verified introduction, backing
// off between rounds. After the last attempt the record is rolled back to
// disconnected so the prune sweep can drop it.
func (s *Service) dialIntroduction(reg *Registration) bool {
	s.status.Dialing(reg.NodeID)
	backoff := time.Second
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-s.ctx.Done():
				s.status.DialFailed(reg.NodeID)
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxDialBackoff {
				backoff = maxDialBackoff
			}
		}
		for _, addr := range reg.Addrs {
			if err := s.Connect(s.ctx, addr); err == nil {
				return true
			}
		}
	}
	s.status.DialFailed(reg.NodeID)
	log.WithField("peer", identity.Short(reg.NodeID)).Debug("Could not reach introduced peer")
	return false
}
