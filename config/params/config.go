// Package params defines the recognized network configuration options for a
// Synapse node. The active config is process-wide: it is loaded once at
// startup and replaced only when an approved config_change command is
// dispatched from the execution log.
package params

import (
	"time"
)

// AuctionWeights are the scoring weights used to pick a winning bid. They
// must sum to 1.
type AuctionWeights struct {
	Cost       float64 `yaml:"cost"`
	Reputation float64 `yaml:"reputation"`
	Time       float64 `yaml:"time"`
}

// MeshTargets bound the per-topic mesh size for SynapseSub.
type MeshTargets struct {
	D     int `yaml:"d"`
	DLow  int `yaml:"d_lo"`
	DHigh int `yaml:"d_hi"`
}

// TierThresholds define the reputation tier buckets used for anonymous
// voting. A node with total reputation below Intermediate is a novice,
// below Expert an intermediate, otherwise an expert.
type TierThresholds struct {
	Intermediate int64 `yaml:"intermediate"`
	Expert       int64 `yaml:"expert"`
}

// TierWeights are the vote weights granted to each anonymous tier.
type TierWeights struct {
	Novice       float64 `yaml:"novice"`
	Intermediate float64 `yaml:"intermediate"`
	Expert       float64 `yaml:"expert"`
}

// PeerScoreWeights blend the connection-quality score used for session
// eviction and mesh grafting.
type PeerScoreWeights struct {
	Reputation float64 `yaml:"reputation"`
	Stability  float64 `yaml:"stability"`
	Latency    float64 `yaml:"latency"`
}

// HealthTargets are observed by the health monitor. Exceeding them makes the
// monitor open a config_change proposal; it never mutates state directly.
type HealthTargets struct {
	MinConnectedPeers  int `yaml:"min_connected_peers"`
	MaxProposalBacklog int `yaml:"max_proposal_backlog"`
	MaxPendingOps      int `yaml:"max_pending_ops"`
}

// SynapseNetworkConfig contains every recognized network-wide tunable.
// Unknown keys in a loaded file or a config_change patch are rejected.
type SynapseNetworkConfig struct {
	// Economy.
	InitialBalance       int64   `yaml:"initial_balance_sp"`
	TaxRate              float64 `yaml:"transaction_tax_percentage"`
	TaskCompletionReward int64   `yaml:"task_completion_reputation_reward"`
	VoteReward           int64   `yaml:"proposal_vote_reputation_reward"`
	DecayRateDaily       float64 `yaml:"reputation_decay_rate_daily"`

	// Auctions.
	AuctionWeights AuctionWeights `yaml:"auction_weights"`
	AuctionMaxDays int            `yaml:"auction_max_days"`

	// Governance.
	AnonymousVoteBonusAlpha float64        `yaml:"anonymous_vote_bonus_alpha"`
	TierThresholds          TierThresholds `yaml:"tier_thresholds"`
	TierWeights             TierWeights    `yaml:"tier_weights"`
	ProposalAutoClose       time.Duration  `yaml:"proposal_auto_close_after"`
	ProofMaxAge             time.Duration  `yaml:"zkp_proof_max_age"`

	// Executive.
	ValidatorSetSize        int           `yaml:"validator_set_size"`
	ValidatorRotationPeriod time.Duration `yaml:"validator_rotation_period"`
	ValidatorMinUptime      time.Duration `yaml:"validator_min_uptime"`

	// Transport and peer manager.
	MaxPeers              int              `yaml:"max_peer_connections"`
	ProtectedPeers        int              `yaml:"protected_peer_count"`
	HeartbeatInterval     time.Duration    `yaml:"heartbeat_interval"`
	MaxMissedHeartbeats   int              `yaml:"max_missed_heartbeats"`
	PeerInactivityTimeout time.Duration    `yaml:"peer_inactivity_timeout"`
	PeerExchangeInterval  time.Duration    `yaml:"peer_exchange_interval"`
	SignalingTimeout      time.Duration    `yaml:"signaling_timeout"`
	RequestTimeout        time.Duration    `yaml:"request_timeout"`
	PeerScoreWeights      PeerScoreWeights `yaml:"peer_score_weights"`

	// SynapseSub.
	MeshTargets             MeshTargets   `yaml:"mesh_targets"`
	PubsubHeartbeatInterval time.Duration `yaml:"pubsub_heartbeat_interval"`
	DedupWindow             time.Duration `yaml:"dedup_window"`

	// Background loop cadences.
	DigestSyncInterval       time.Duration `yaml:"digest_sync_interval"`
	AuctionSweepInterval     time.Duration `yaml:"auction_sweep_interval"`
	DispatchInterval         time.Duration `yaml:"dispatch_interval"`
	DecaySweepInterval       time.Duration `yaml:"decay_sweep_interval"`
	MaintenanceCadence       time.Duration `yaml:"tool_maintenance_cadence"`
	MaintenanceSweepInterval time.Duration `yaml:"tool_maintenance_sweep_interval"`
	HealthCheckInterval      time.Duration `yaml:"health_check_interval"`

	HealthTargets HealthTargets `yaml:"health_targets"`
}

// DefaultSynapseConfig returns the canonical network defaults.
func DefaultSynapseConfig() *SynapseNetworkConfig {
	return &SynapseNetworkConfig{
		InitialBalance:       1000,
		TaxRate:              0.02,
		TaskCompletionReward: 10,
		VoteReward:           1,
		DecayRateDaily:       0.01,

		AuctionWeights: AuctionWeights{Cost: 0.4, Reputation: 0.4, Time: 0.2},
		AuctionMaxDays: 10,

		AnonymousVoteBonusAlpha: 1.0,
		TierThresholds:          TierThresholds{Intermediate: 51, Expert: 151},
		TierWeights:             TierWeights{Novice: 1.0, Intermediate: 1.5, Expert: 2.0},
		ProposalAutoClose:       24 * time.Hour,
		ProofMaxAge:             time.Hour,

		ValidatorSetSize:        7,
		ValidatorRotationPeriod: 10 * time.Minute,
		ValidatorMinUptime:      5 * time.Minute,

		MaxPeers:              20,
		ProtectedPeers:        5,
		HeartbeatInterval:     15 * time.Second,
		MaxMissedHeartbeats:   3,
		PeerInactivityTimeout: 5 * time.Minute,
		PeerExchangeInterval:  time.Minute,
		SignalingTimeout:      30 * time.Second,
		RequestTimeout:        20 * time.Second,
		PeerScoreWeights:      PeerScoreWeights{Reputation: 0.5, Stability: 0.3, Latency: 0.2},

		MeshTargets:             MeshTargets{D: 6, DLow: 4, DHigh: 12},
		PubsubHeartbeatInterval: time.Second,
		DedupWindow:             5 * time.Minute,

		DigestSyncInterval:       30 * time.Second,
		AuctionSweepInterval:     30 * time.Second,
		DispatchInterval:         5 * time.Second,
		DecaySweepInterval:       time.Hour,
		MaintenanceCadence:       30 * 24 * time.Hour,
		MaintenanceSweepInterval: 24 * time.Hour,
		HealthCheckInterval:      time.Minute,

		HealthTargets: HealthTargets{
			MinConnectedPeers:  2,
			MaxProposalBacklog: 50,
			MaxPendingOps:      20,
		},
	}
}

// Copy returns a deep copy of the config.
func (c *SynapseNetworkConfig) Copy() *SynapseNetworkConfig {
	cp := *c
	return &cp
}
