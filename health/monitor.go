// Package health watches the node's vital signs. The monitor never mutates
// state on its own authority: when a target is breached it raises findings,
// and optionally opens a governance proposal so the network decides.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/async"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/state"
)

var log = logrus.WithField("prefix", "health")

// Finding is one breached target. Patch, when non-nil, is a suggested
// config_change remedy; checks with no parameter remedy leave it nil and the
// breach surfaces as a plain alarm proposal.
type Finding struct {
	Check  string
	Detail string
	Patch  map[string]interface{}
}

// Monitor periodically evaluates health targets. Implements
// runtime.Service.
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  *state.Store
	peers  func() []string

	// OnFinding, when set, receives every breach; the node wires it to a
	// proposal-opening hook.
	OnFinding func(f Finding)

	mu   sync.RWMutex
	last []Finding
}

// NewMonitor builds the monitor.
func NewMonitor(ctx context.Context, store *state.Store, peers func() []string) *Monitor {
	ctx, cancel := context.WithCancel(ctx)
	return &Monitor{ctx: ctx, cancel: cancel, store: store, peers: peers}
}

// Start launches the periodic check loop.
func (m *Monitor) Start() {
	async.RunEvery(m.ctx, params.SynapseConfig().HealthCheckInterval, m.runChecks)
}

// Stop halts the loop.
func (m *Monitor) Stop() error {
	m.cancel()
	return nil
}

// Status reports unhealthy when the last sweep found breaches.
func (m *Monitor) Status() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.last) > 0 {
		return fmt.Errorf("%d health findings, first: %s", len(m.last), m.last[0].Detail)
	}
	return nil
}

// Findings returns the most recent sweep's results.
func (m *Monitor) Findings() []Finding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Finding(nil), m.last...)
}

func (m *Monitor) runChecks() {
	snapshot := m.store.Snapshot()
	findings := Evaluate(snapshot, len(m.peers()), m.store.Now(), params.SynapseConfig())
	m.mu.Lock()
	m.last = findings
	m.mu.Unlock()
	for _, f := range findings {
		log.WithField("check", f.Check).Warn(f.Detail)
		if m.OnFinding != nil {
			m.OnFinding(f)
		}
	}
}

// Evaluate runs every health check against a snapshot.
func Evaluate(st *state.State, connectedPeers int, now time.Time, cfg *params.SynapseNetworkConfig) []Finding {
	var findings []Finding

	if connectedPeers < cfg.HealthTargets.MinConnectedPeers {
		findings = append(findings, Finding{
			Check:  "peer_count",
			Detail: fmt.Sprintf("connected to %d peers, want at least %d", connectedPeers, cfg.HealthTargets.MinConnectedPeers),
		})
	}

	backlog := 0
	for _, ch := range st.Channels {
		for _, p := range ch.Proposals {
			if p.Status == state.ProposalOpen {
				backlog++
			}
		}
	}
	if backlog > cfg.HealthTargets.MaxProposalBacklog {
		f := Finding{
			Check:  "proposal_backlog",
			Detail: fmt.Sprintf("%d open proposals exceed the %d target", backlog, cfg.HealthTargets.MaxProposalBacklog),
		}
		// Sweeping stale proposals sooner shrinks the backlog.
		if halved := cfg.ProposalAutoClose / 2; halved >= time.Hour {
			f.Patch = map[string]interface{}{"proposal_auto_close_after": halved.String()}
		}
		findings = append(findings, f)
	}

	if pending := len(st.Global.PendingOperations); pending > cfg.HealthTargets.MaxPendingOps {
		f := Finding{
			Check:  "pending_operations",
			Detail: fmt.Sprintf("%d operations await ratification, target is %d", pending, cfg.HealthTargets.MaxPendingOps),
		}
		// Operations pile up when ratifiers are absent; rotating the set
		// sooner replaces them.
		if halved := cfg.ValidatorRotationPeriod / 2; halved >= time.Minute {
			f.Patch = map[string]interface{}{"validator_rotation_period": halved.String()}
		}
		findings = append(findings, f)
	}

	report := economy.Conservation(st, cfg)
	if expected := int64(report.Nodes) * cfg.InitialBalance; report.Nodes > 0 && report.Total() != expected {
		findings = append(findings, Finding{
			Check:  "sp_conservation",
			Detail: fmt.Sprintf("SP supply is %d, expected %d", report.Total(), expected),
		})
	}

	return findings
}
