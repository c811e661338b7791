package p2p

import (
	"bufio"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/protocol"

	"github.com/synapse-ng/synapse-ng/crypto/identity"
)

// PingProtocol is the liveness echo spoken between connected peers.
const PingProtocol = protocol.ID("/synapse/ping/1.0.0")

var pingPayload = []byte("synapse-ping")

func (s *Service) handlePingStream(stream network.Stream) {
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
	if err := WriteFrame(stream, frame); err != nil {
		log.WithError(err).Debug("Could not echo ping")
	}
}

// pingPeers probes every connected session and feeds round-trip times into
// the peer scores. A peer missing too many probes in a row is closed; its
// record outlives the session so the stability penalty sticks until the
// prune sweep retires it.
func (s *Service) pingPeers() {
	for _, nodeID := range s.status.ConnectedPeers() {
		rtt, err := s.ping(nodeID)
		if err == nil {
			s.status.HeartbeatSeen(nodeID, rtt)
			continue
		}
		log.WithError(err).WithField("peer", identity.Short(nodeID)).Debug("Ping failed")
		if !s.status.HeartbeatMissed(nodeID) {
			continue
		}
		pid, err := PeerIDFromNodeID(nodeID)
		if err != nil {
			continue
		}
		s.mu.RLock()
		h := s.host
		s.mu.RUnlock()
		if h == nil {
			return
		}
		log.WithField("peer", identity.Short(nodeID)).Info("Closing unresponsive peer")
		if err := h.Network().ClosePeer(pid); err != nil {
			log.WithError(err).Debug("Could not close peer")
		}
	}
}

func (s *Service) ping(nodeID string) (time.Duration, error) {
	stream, err := s.openStream(s.ctx, nodeID, PingProtocol)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.WithError(err).Debug("Could not close stream")
		}
	}()
	applyDeadline(stream)
	start := time.Now()
	if err := WriteFrame(stream, pingPayload); err != nil {
		return 0, err
	}
	if _, err := ReadFrame(bufio.NewReader(stream)); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
