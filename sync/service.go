package sync

import (
	"bufio"
	"context"
	"io"
	mathRand "math/rand"
	stdsync "sync"
	"time"

	"github.com/synapse-ng/synapse-ng/async"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/crypto/rand"
	"github.com/synapse-ng/synapse-ng/state"
)

// Service runs the periodic digest exchange and answers inbound sync
// streams. It implements runtime.Service.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  *state.Store
	dial   func(ctx context.Context, nodeID string) (io.ReadWriteCloser, error)
	peers  func() []string

	// OnMerged is invoked after an exchange changed local state.
	OnMerged func()

	mu  stdsync.Mutex
	rng *mathRand.Rand
}

// NewService builds the sync service. dial opens a sync stream to a peer;
// peers lists connected peers.
func NewService(ctx context.Context, store *state.Store, dial func(ctx context.Context, nodeID string) (io.ReadWriteCloser, error), peers func() []string) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		dial:   dial,
		peers:  peers,
		rng:    rand.NewDeterministicGenerator(),
	}
}

// Start launches the periodic exchange loop.
func (s *Service) Start() {
	async.RunEvery(s.ctx, params.SynapseConfig().DigestSyncInterval, s.syncOnce)
}

// Stop halts the loop.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always reports healthy; a failed exchange is retried on the next
// tick against another peer.
func (s *Service) Status() error {
	return nil
}

// syncOnce exchanges digests with one randomly chosen peer.
func (s *Service) syncOnce() {
	peers := s.peers()
	if len(peers) == 0 {
		return
	}
	s.mu.Lock()
	target := peers[s.rng.Intn(len(peers))]
	s.mu.Unlock()

	stream, err := s.dial(s.ctx, target)
	if err != nil {
		log.WithError(err).WithField("peer", identity.Short(target)).Debug("Could not open sync stream")
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.WithError(err).Debug("Could not close sync stream")
		}
	}()

	snapshot := s.store.Snapshot()
	if err := writeMessage(stream, &Request{Digests: state.Digests(snapshot)}); err != nil {
		log.WithError(err).Debug("Could not send sync request")
		return
	}
	resp := &Response{}
	if err := readMessage(bufio.NewReader(stream), resp); err != nil {
		log.WithError(err).Debug("Could not read sync response")
		return
	}
	s.applyRemote(target, resp)
}

// HandleStream answers one inbound sync exchange. Wired as the p2p sync
// stream handler.
func (s *Service) HandleStream(nodeID string, rw io.ReadWriter) {
	req := &Request{}
	if err := readMessage(bufio.NewReader(rw), req); err != nil {
		log.WithError(err).WithField("peer", identity.Short(nodeID)).Debug("Bad sync request")
		return
	}
	snapshot := s.store.Snapshot()
	resp := BuildResponse(snapshot, req.Digests)
	if err := writeMessage(rw, resp); err != nil {
		log.WithError(err).Debug("Could not send sync response")
	}
}

func (s *Service) applyRemote(nodeID string, resp *Response) {
	changed := false
	err := s.store.Update(func(st *state.State, _ time.Time) error {
		changed = ApplyResponse(st, resp)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Could not merge sync response")
		return
	}
	if changed {
		log.WithField("peer", identity.Short(nodeID)).Info("Reconciled state from peer")
		if s.OnMerged != nil {
			s.OnMerged()
		}
	}
}
