package p2p

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	noise "github.com/libp2p/go-libp2p-noise"
	tcp "github.com/libp2p/go-tcp-transport"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/synapse-ng/synapse-ng/async"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/crypto/rand"
	"github.com/synapse-ng/synapse-ng/p2p/peers"
	"github.com/synapse-ng/synapse-ng/runtime/version"
)

// Wire protocols spoken over libp2p streams.
const (
	RPCProtocol  = protocol.ID("/synapse/sub/1.0.0")
	SyncProtocol = protocol.ID("/synapse/sync/1.0.0")
)

// maxFrameSize bounds a single length-prefixed frame.
const maxFrameSize = 1 << 22 // 4 MiB

// Config holds the transport service options.
type Config struct {
	Identity   *identity.Identity
	TCPPort    int
	TCPHost    string
	Bootstrap  []string // rendezvous server URLs
	EnableMDNS bool
}

// Service owns the libp2p host and the peer registry. It implements
// synapsesub.Transport and runtime.Service.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	host   host.Host
	status *peers.Status
	rng    *mrand.Rand

	startupErr error

	// Set by the node before Start.
	OnRPC        func(nodeID string, frame []byte)
	OnSyncStream func(nodeID string, rw io.ReadWriter)
	OnPeerChange func(nodeID string, connected bool)

	mu sync.RWMutex

	introMu sync.Mutex
	intros  map[string]*Registration
}

// NewService builds the transport. The host is created on Start.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		status: peers.NewStatus(),
		rng:    rand.NewGenerator(),
		intros: make(map[string]*Registration),
	}
}

// Start brings up the libp2p host, stream handlers and discovery.
func (s *Service) Start() {
	key, err := s.cfg.Identity.LibP2PKey()
	if err != nil {
		s.startupErr = err
		log.WithError(err).Fatal("Could not convert node key")
		return
	}
	listen := fmt.Sprintf("/ip4/%s/tcp/%d", s.cfg.TCPHost, s.cfg.TCPPort)
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(listen),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.UserAgent(version.BuildData()),
		libp2p.Ping(false),
	)
	if err != nil {
		s.startupErr = err
		log.WithError(err).Fatal("Could not create libp2p host")
		return
	}
	s.mu.Lock()
	s.host = h
	s.mu.Unlock()

	h.SetStreamHandler(RPCProtocol, s.handleRPCStream)
	h.SetStreamHandler(SyncProtocol, s.handleSyncStream)
	h.SetStreamHandler(PingProtocol, s.handlePingStream)
	h.SetStreamHandler(ExchangeProtocol, s.handleExchangeStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    s.onConnected,
		DisconnectedF: s.onDisconnected,
	})
	async.RunEvery(s.ctx, params.SynapseConfig().HeartbeatInterval, s.pingPeers)
	async.RunEvery(s.ctx, params.SynapseConfig().PeerExchangeInterval, s.exchangeOnce)
	async.RunEvery(s.ctx, params.SynapseConfig().PeerInactivityTimeout, s.status.PruneStale)

	if s.cfg.EnableMDNS {
		if err := s.startMDNS(); err != nil {
			log.WithError(err).Error("Could not start mdns discovery")
		}
	}
	for _, url := range s.cfg.Bootstrap {
		go s.bootstrapFromRendezvous(url)
	}
	log.WithField("peerID", h.ID().Pretty()).WithField("addr", listen).Info("Transport started")
}

// Stop closes the host and every session.
func (s *Service) Stop() error {
	s.cancel()
	s.mu.RLock()
	h := s.host
	s.mu.RUnlock()
	if h != nil {
		return h.Close()
	}
	return nil
}

// Status returns the startup error, if any.
func (s *Service) Status() error {
	return s.startupErr
}

// Host exposes the underlying libp2p host.
func (s *Service) Host() host.Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

// PeerStatus exposes the peer registry.
func (s *Service) PeerStatus() *peers.Status {
	return s.status
}

// Peers lists connected peers by node ID, satisfying synapsesub.Transport.
func (s *Service) Peers() []string {
	return s.status.ConnectedPeers()
}

// PeerScore reports the running transport score for a peer, satisfying
// synapsesub.Transport. The mesh prefers high scorers when grafting.
func (s *Service) PeerScore(nodeID string) float64 {
	return s.status.Score(nodeID)
}

// Multiaddrs returns the host's public listen addresses with the peer ID
// suffix, ready for a rendezvous introduction.
func (s *Service) Multiaddrs() []string {
	s.mu.RLock()
	h := s.host
	s.mu.RUnlock()
	if h == nil {
		return nil
	}
	suffix := "/p2p/" + h.ID().Pretty()
	var out []string
	for _, addr := range h.Addrs() {
		out = append(out, addr.String()+suffix)
	}
	return out
}

// Connect dials a peer given its full multiaddr.
func (s *Service) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return errors.Wrap(err, "malformed multiaddr")
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return errors.Wrap(err, "multiaddr has no peer component")
	}
	s.mu.RLock()
	h := s.host
	s.mu.RUnlock()
	if h == nil {
		return errors.New("transport not started")
	}
	ctx, cancel := context.WithTimeout(ctx, params.SynapseConfig().SignalingTimeout)
	defer cancel()
	return h.Connect(ctx, *info)
}

// SendRPC delivers one pubsub frame to a peer, satisfying
// synapsesub.Transport.
func (s *Service) SendRPC(ctx context.Context, nodeID string, frame []byte) error {
	stream, err := s.openStream(ctx, nodeID, RPCProtocol)
	if err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.WithError(err).Debug("Could not close stream")
		}
	}()
	return WriteFrame(stream, frame)
}

// OpenSyncStream opens a bidirectional sync stream to a peer.
func (s *Service) OpenSyncStream(ctx context.Context, nodeID string) (network.Stream, error) {
	stream, err := s.openStream(ctx, nodeID, SyncProtocol)
	if err != nil {
		return nil, err
	}
	applyDeadline(stream)
	return stream, nil
}

func (s *Service) openStream(ctx context.Context, nodeID string, proto protocol.ID) (network.Stream, error) {
	pid, err := PeerIDFromNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	h := s.host
	s.mu.RUnlock()
	if h == nil {
		return nil, errors.New("transport not started")
	}
	ctx, cancel := context.WithTimeout(ctx, params.SynapseConfig().RequestTimeout)
	defer cancel()
	return h.NewStream(ctx, pid, proto)
}

func (s *Service) handleRPCStream(stream network.Stream) {
	defer func() {
		if err := stream.Close(); err != nil {
			log.WithError(err).Debug("Could not close stream")
		}
	}()
	nodeID, err := NodeIDFromPeer(stream.Conn().RemotePeer())
	if err != nil {
		log.WithError(err).Debug("Rejecting stream from unidentifiable peer")
		_ = stream.Reset()
		return
	}
	frame, err := ReadFrame(bufio.NewReader(stream))
	if err != nil {
		log.WithError(err).WithField("peer", identity.Short(nodeID)).Debug("Bad frame")
		return
	}
	p2pRPCFramesReceived.Inc()
	if s.OnRPC != nil {
		s.OnRPC(nodeID, frame)
	}
}

func (s *Service) handleSyncStream(stream network.Stream) {
	defer func() {
		if err := stream.Close(); err != nil {
			log.WithError(err).Debug("Could not close stream")
		}
	}()
	nodeID, err := NodeIDFromPeer(stream.Conn().RemotePeer())
	if err != nil {
		_ = stream.Reset()
		return
	}
	applyDeadline(stream)
	if s.OnSyncStream != nil {
		s.OnSyncStream(nodeID, stream)
	}
}

func (s *Service) onConnected(_ network.Network, conn network.Conn) {
	nodeID, err := NodeIDFromPeer(conn.RemotePeer())
	if err != nil {
		log.WithError(err).Debug("Connected peer has no extractable key")
		return
	}
	s.status.Connected(nodeID)
	s.updatePeerMetrics()
	log.WithField("peer", identity.Short(nodeID)).Info("Peer connected")
	if s.OnPeerChange != nil {
		s.OnPeerChange(nodeID, true)
	}
	s.enforcePeerCap()
}

func (s *Service) onDisconnected(_ network.Network, conn network.Conn) {
	nodeID, err := NodeIDFromPeer(conn.RemotePeer())
	if err != nil {
		return
	}
	s.status.Disconnected(nodeID)
	s.updatePeerMetrics()
	log.WithField("peer", identity.Short(nodeID)).Info("Peer disconnected")
	if s.OnPeerChange != nil {
		s.OnPeerChange(nodeID, false)
	}
}

// enforcePeerCap evicts the worst-scoring unprotected peer while over the
// connection limit.
func (s *Service) enforcePeerCap() {
	cfg := params.SynapseConfig()
	for len(s.status.ConnectedPeers()) > cfg.MaxPeers {
		s.status.ProtectBest()
		victim, ok := s.status.EvictionCandidate()
		if !ok {
			return
		}
		pid, err := PeerIDFromNodeID(victim)
		if err != nil {
			return
		}
		log.WithField("peer", identity.Short(victim)).Info("Evicting peer over connection cap")
		s.mu.RLock()
		h := s.host
		s.mu.RUnlock()
		if err := h.Network().ClosePeer(pid); err != nil {
			log.WithError(err).Debug("Could not close peer")
			return
		}
	}
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxFrameSize {
		return errors.Errorf("frame of %d bytes exceeds limit", len(frame))
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(frame)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// deadline helper shared by sync streams.
func applyDeadline(stream network.Stream) {
	deadline := time.Now().Add(params.SynapseConfig().RequestTimeout)
	if err := stream.SetDeadline(deadline); err != nil {
		log.WithError(err).Debug("Could not set stream deadline")
	}
}
