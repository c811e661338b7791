// Package node is the main service which launches a full Synapse-NG node and
// manages the lifecycle of all its associated services at runtime, such as
// p2p, gossip, state sync and duties, gracefully closing them if the process
// ends.
package node

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/api"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/db/kv"
	"github.com/synapse-ng/synapse-ng/executive"
	"github.com/synapse-ng/synapse-ng/health"
	"github.com/synapse-ng/synapse-ng/monitoring/prometheus"
	"github.com/synapse-ng/synapse-ng/p2p"
	"github.com/synapse-ng/synapse-ng/runtime"
	"github.com/synapse-ng/synapse-ng/runtime/version"
	"github.com/synapse-ng/synapse-ng/state"
	statesync "github.com/synapse-ng/synapse-ng/sync"
	"github.com/synapse-ng/synapse-ng/synapsesub"
)

var log = logrus.WithField("prefix", "node")

// Config collects the startup options a node needs. The cmd package builds
// one from CLI flags.
type Config struct {
	DataDir     string
	KeyFile     string   // defaults to <datadir>/node_key.pem
	TCPHost     string
	TCPPort     int
	Bootstrap   []string // rendezvous server URLs
	EnableMDNS  bool
	MetricsAddr string   // empty disables the metrics endpoint
	Channels    []string // channels to join on startup
}

// SynapseNode handles the lifecycle of the entire system and registers
// services to a service registry.
type SynapseNode struct {
	cfg        *Config
	ctx        context.Context
	cancel     context.CancelFunc
	services   *runtime.ServiceRegistry
	lock       sync.RWMutex
	stop       chan struct{} // Channel to wait for termination notifications.
	baseConfig *params.SynapseNetworkConfig

	db         *kv.Store
	identity   *identity.Identity
	store      *state.Store
	api        *api.API
	dispatcher *executive.Dispatcher
	p2p        *p2p.Service
	pubsub     *synapsesub.PubSub
	sync       *statesync.Service
	monitor    *health.Monitor
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(ctx context.Context, cfg *Config) (*SynapseNode, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &SynapseNode{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		services:   runtime.NewServiceRegistry(),
		stop:       make(chan struct{}),
		baseConfig: params.SynapseConfig().Copy(),
	}

	if err := n.startIdentity(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.startDB(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.startState(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerP2P(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerPubSub(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerSyncService(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerDutyService(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.registerHealthMonitor(); err != nil {
		cancel()
		return nil, err
	}
	if cfg.MetricsAddr != "" {
		if err := n.registerPrometheusService(); err != nil {
			cancel()
			return nil, err
		}
	}
	return n, nil
}

// API returns the node's operation surface.
func (n *SynapseNode) API() *api.API {
	return n.api
}

// Store returns the replicated state store.
func (n *SynapseNode) Store() *state.Store {
	return n.store
}

// Start the SynapseNode and kicks off every registered service.
func (n *SynapseNode) Start() {
	n.lock.Lock()
	log.WithFields(logrus.Fields{
		"node":    identity.Short(n.identity.NodeID()),
		"version": version.Version(),
	}).Info("Starting node")
	n.services.StartAll()

	n.subscribeTopics()
	n.joinStartupChannels()

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *SynapseNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping node")
	n.services.StopAll()
	if err := n.db.SaveSnapshot(n.store.Snapshot()); err != nil {
		log.WithError(err).Error("Could not persist final snapshot")
	}
	if err := n.db.Close(); err != nil {
		log.WithError(err).Error("Failed to close database")
	}
	n.cancel()
	close(n.stop)
}

func (n *SynapseNode) startIdentity() error {
	keyFile := n.cfg.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(n.cfg.DataDir, "node_key.pem")
	}
	id, err := identity.LoadOrCreate(keyFile)
	if err != nil {
		return errors.Wrap(err, "could not load node identity")
	}
	n.identity = id
	return nil
}

func (n *SynapseNode) startDB() error {
	d, err := kv.NewKVStore(n.cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "could not open database")
	}
	log.WithField("database-path", d.DatabasePath()).Info("Opened DB")
	n.db = d
	n.dispatcher = &executive.Dispatcher{
		Cursor:  d,
		Sandbox: executive.NewStagingSandbox(filepath.Join(n.cfg.DataDir, "upgrades")),
	}
	return nil
}

func (n *SynapseNode) startState() error {
	n.store = state.NewStore(n.identity.NodeID())
	snap, err := n.db.Snapshot()
	if err != nil {
		return errors.Wrap(err, "could not restore snapshot")
	}
	if snap != nil {
		n.store.Replace(snap)
		log.Info("Restored state snapshot")
	}
	// Announce ourselves in the global registry before any exchange. Every
	// node is a member of the global channel.
	err = n.store.Update(func(st *state.State, now time.Time) error {
		if _, ok := st.Global.Nodes[n.identity.NodeID()]; !ok {
			st.Global.Nodes[n.identity.NodeID()] = &state.NodeInfo{
				ID:          n.identity.NodeID(),
				OnlineSince: now,
				LastSeen:    now,
				UpdatedAt:   now,
			}
		}
		ch := state.EnsureChannel(st, state.GlobalChannel, now)
		if _, ok := ch.Participants[n.identity.NodeID()]; !ok {
			ch.Participants[n.identity.NodeID()] = now
			ch.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return err
	}
	n.refreshConfig()
	n.api = api.New(n.store, n.identity)
	n.api.OnChange = n.onLocalChange
	return nil
}

// refreshConfig folds the config mutations in the replicated state onto the
// startup base and installs the result when the derived version moved. The
// version is written back to the global shard so digests expose it.
func (n *SynapseNode) refreshConfig() {
	derived, version, updatedAt := executive.DeriveConfig(n.store.Snapshot(), n.baseConfig)
	if version == params.ConfigVersion() {
		return
	}
	params.SetActive(derived, version)
	log.WithField("version", version).Info("Installed network config")
	err := n.store.Update(func(st *state.State, now time.Time) error {
		if version > st.Global.ConfigVersion {
			st.Global.ConfigVersion = version
			st.Global.ConfigUpdatedAt = updatedAt
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Could not record config version")
	}
}

func (n *SynapseNode) registerP2P() error {
	n.p2p = p2p.NewService(n.ctx, &p2p.Config{
		Identity:   n.identity,
		TCPHost:    n.cfg.TCPHost,
		TCPPort:    n.cfg.TCPPort,
		Bootstrap:  n.cfg.Bootstrap,
		EnableMDNS: n.cfg.EnableMDNS,
	})
	return n.services.RegisterService(n.p2p)
}

func (n *SynapseNode) registerPubSub() error {
	ps, err := synapsesub.New(n.ctx, n.identity, n.p2p)
	if err != nil {
		return err
	}
	n.pubsub = ps
	n.p2p.OnRPC = ps.HandleRPC
	n.p2p.OnPeerChange = func(nodeID string, connected bool) {
		if connected {
			ps.PeerConnected(nodeID)
		} else {
			ps.PeerDisconnected(nodeID)
		}
	}
	return n.services.RegisterService(ps)
}

func (n *SynapseNode) registerSyncService() error {
	dial := func(ctx context.Context, nodeID string) (io.ReadWriteCloser, error) {
		return n.p2p.OpenSyncStream(ctx, nodeID)
	}
	n.sync = statesync.NewService(n.ctx, n.store, dial, n.p2p.Peers)
	n.sync.OnMerged = n.onRemoteMerge
	n.p2p.OnSyncStream = n.sync.HandleStream
	return n.services.RegisterService(n.sync)
}

func (n *SynapseNode) registerDutyService() error {
	return n.services.RegisterService(newDutyService(n))
}

func (n *SynapseNode) registerHealthMonitor() error {
	n.monitor = health.NewMonitor(n.ctx, n.store, n.p2p.Peers)
	n.monitor.OnFinding = n.onFinding
	return n.services.RegisterService(n.monitor)
}

func (n *SynapseNode) registerPrometheusService() error {
	svc := prometheus.NewService(n.cfg.MetricsAddr, n.services)
	hook := prometheus.NewLogrusCollector()
	logrus.AddHook(hook)
	return n.services.RegisterService(svc)
}

func (n *SynapseNode) joinStartupChannels() {
	for _, ch := range n.cfg.Channels {
		if err := n.api.JoinChannel(ch); err != nil && !state.IsKind(err, state.KindConflict) {
			log.WithError(err).WithField("channel", ch).Warn("Could not join channel")
		}
	}
}

// onFinding opens a governance proposal so the network decides how to react
// to a breached health target: a config_change carrying the monitor's
// suggested remedy when it has one, a plain alarm otherwise. An already-open
// proposal for the same check suppresses a new one.
func (n *SynapseNode) onFinding(f health.Finding) {
	title := "Health: " + f.Check
	open := false
	n.store.View(func(st *state.State) {
		ch, ok := st.Channels[state.GlobalChannel]
		if !ok {
			return
		}
		for _, p := range ch.Proposals {
			if p.Title == title && p.Status == state.ProposalOpen {
				open = true
				return
			}
		}
	})
	if open {
		return
	}
	req := &api.ProposalRequest{
		Title:       title,
		Description: f.Detail,
		Type:        state.ProposalGeneric,
	}
	if f.Patch != nil {
		req.Type = state.ProposalConfigChange
		req.Params = f.Patch
	}
	if _, err := n.api.CreateProposal(state.GlobalChannel, req); err != nil {
		log.WithError(err).Debug("Could not open health proposal")
	}
}
