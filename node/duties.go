package node

import (
	"context"
	"time"

	"github.com/synapse-ng/synapse-ng/async"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/executive"
	"github.com/synapse-ng/synapse-ng/governance"
	"github.com/synapse-ng/synapse-ng/state"
)

// dutyService runs the periodic obligations of a node: presence heartbeats,
// auction and proposal sweeps, validator work and persistence. Implements
// runtime.Service.
type dutyService struct {
	ctx    context.Context
	cancel context.CancelFunc
	n      *SynapseNode
}

func newDutyService(n *SynapseNode) *dutyService {
	ctx, cancel := context.WithCancel(n.ctx)
	return &dutyService{ctx: ctx, cancel: cancel, n: n}
}

// Start kicks off every duty loop.
func (d *dutyService) Start() {
	cfg := params.SynapseConfig()
	async.RunEvery(d.ctx, cfg.HeartbeatInterval, d.heartbeat)
	async.RunEvery(d.ctx, cfg.AuctionSweepInterval, d.sweepAuctions)
	async.RunEvery(d.ctx, cfg.DispatchInterval, d.executiveCycle)
	async.RunEvery(d.ctx, cfg.MaintenanceSweepInterval, d.sweepMaintenance)
	async.RunEvery(d.ctx, cfg.DecaySweepInterval, d.sweepDecay)
	async.RunEvery(d.ctx, cfg.DigestSyncInterval, d.persist)
}

// Stop halts all duty loops.
func (d *dutyService) Stop() error {
	d.cancel()
	return nil
}

// Status always returns nil.
func (d *dutyService) Status() error {
	return nil
}

// heartbeat refreshes our own presence record, including the cached
// reputation other nodes read when scoring peers.
func (d *dutyService) heartbeat() {
	n := d.n
	self := n.identity.NodeID()
	cfg := params.SynapseConfig()
	err := n.store.Update(func(st *state.State, now time.Time) error {
		score := economy.ReputationOf(st, self, now, cfg)
		info := st.Global.Nodes[self]
		if info == nil {
			info = &state.NodeInfo{ID: self}
			st.Global.Nodes[self] = info
		}
		if info.OnlineSince.IsZero() || now.Sub(info.LastSeen) > cfg.PeerInactivityTimeout {
			info.OnlineSince = now
		}
		info.LastSeen = now
		info.Addrs = n.p2p.Multiaddrs()
		info.Reputation = economy.CachedReputation(score, now)
		info.UpdatedAt = now
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Could not record heartbeat")
		return
	}
	n.publishGlobal()
}

// sweepAuctions finalizes expired auctions deterministically; every replica
// runs the same sweep and converges on the same winners.
func (d *dutyService) sweepAuctions() {
	cfg := params.SynapseConfig()
	var finalized []string
	err := d.n.store.Update(func(st *state.State, now time.Time) error {
		finalized = economy.SweepAuctions(st, now, cfg)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Auction sweep failed")
		return
	}
	if len(finalized) > 0 {
		log.WithField("count", len(finalized)).Info("Finalized expired auctions")
		d.publishMemberChannels()
	}
}

// executiveCycle does one round of validator work: rotate the validator set,
// auto-close overdue proposals, ratify pending operations when we are a
// validator, then dispatch newly sequenced commands.
func (d *dutyService) executiveCycle() {
	n := d.n
	cfg := params.SynapseConfig()
	self := n.identity.NodeID()

	changed := false
	err := n.store.Update(func(st *state.State, now time.Time) error {
		if executive.RotateValidators(st, now, cfg) {
			changed = true
		}
		if closed := governance.SweepAutoClose(st, now, cfg); len(closed) > 0 {
			changed = true
		}
		if executive.IsValidator(st, self) {
			for id, op := range st.Global.PendingOperations {
				if _, done := op.Ratifications[self]; done {
					continue
				}
				if _, err := executive.Ratify(st, now, cfg, id, self); err != nil {
					log.WithError(err).WithField("proposalID", id).Debug("Could not ratify")
					continue
				}
				changed = true
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Validator duties failed")
		return
	}

	dispatched := 0
	err = n.store.Update(func(st *state.State, now time.Time) error {
		var derr error
		dispatched, derr = n.dispatcher.Dispatch(st, now, cfg)
		return derr
	})
	if err != nil {
		log.WithError(err).Error("Command dispatch failed")
	}
	if dispatched > 0 {
		log.WithField("count", dispatched).Info("Dispatched ratified commands")
	}
	if changed || dispatched > 0 {
		n.refreshConfig()
		n.publishGlobal()
		d.publishMemberChannels()
	}
}

// sweepDecay feeds freshly derived reputations of connected peers into the
// connection scorer, so decay moves eviction and mesh decisions even while
// a peer stays quiet.
func (d *dutyService) sweepDecay() {
	cfg := params.SynapseConfig()
	n := d.n
	status := n.p2p.PeerStatus()
	snap := n.store.Snapshot()
	now := n.store.Now()
	for _, peerID := range status.ConnectedPeers() {
		score := economy.ReputationOf(snap, peerID, now, cfg)
		status.SetReputation(peerID, score.Total)
	}
}

// sweepMaintenance pays or deprecates common tools whose maintenance fell due.
func (d *dutyService) sweepMaintenance() {
	cfg := params.SynapseConfig()
	var touched []string
	err := d.n.store.Update(func(st *state.State, now time.Time) error {
		touched = economy.SweepToolMaintenance(st, now, cfg)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Tool maintenance sweep failed")
		return
	}
	if len(touched) > 0 {
		log.WithField("count", len(touched)).Info("Processed tool maintenance")
		d.publishMemberChannels()
	}
}

func (d *dutyService) persist() {
	if err := d.n.db.SaveSnapshot(d.n.store.Snapshot()); err != nil {
		log.WithError(err).Error("Could not persist snapshot")
	}
}

func (d *dutyService) publishMemberChannels() {
	n := d.n
	snap := n.store.Snapshot()
	for name, ch := range snap.Channels {
		if name == state.GlobalChannel {
			continue
		}
		if _, ok := ch.Participants[n.identity.NodeID()]; ok {
			n.publishChannel(name)
		}
	}
}
