package params

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// LoadFromFile reads a yaml config file and overlays it on the defaults.
// Options go through the same applier as network-approved patches, so the
// file accepts the same keys and value forms (duration strings or numeric
// seconds), and unknown keys are rejected so typos surface at startup.
func LoadFromFile(path string) (*SynapseNetworkConfig, error) {
	b, err := ioutil.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, errors.Wrap(err, "could not read config file")
	}
	raw := make(map[interface{}]interface{})
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "could not parse config file")
	}
	patch := make(map[string]interface{})
	if err := flattenOptions("", raw, patch); err != nil {
		return nil, err
	}
	return DefaultSynapseConfig().ApplyPatch(patch)
}

// flattenOptions turns nested yaml blocks into the dotted keys ApplyOption
// recognizes.
func flattenOptions(prefix string, value map[interface{}]interface{}, out map[string]interface{}) error {
	for k, v := range value {
		name, ok := k.(string)
		if !ok {
			return errors.Errorf("config keys must be strings, got %v", k)
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if nested, ok := v.(map[interface{}]interface{}); ok {
			if err := flattenOptions(name, nested, out); err != nil {
				return err
			}
			continue
		}
		out[name] = v
	}
	return nil
}

// Validate sanity-checks cross-field constraints.
func (c *SynapseNetworkConfig) Validate() error {
	w := c.AuctionWeights
	if sum := w.Cost + w.Reputation + w.Time; sum < 0.999 || sum > 1.001 {
		return errors.Errorf("auction weights must sum to 1, got %v", sum)
	}
	if c.MeshTargets.DLow > c.MeshTargets.D || c.MeshTargets.D > c.MeshTargets.DHigh {
		return errors.New("mesh targets must satisfy d_lo <= d <= d_hi")
	}
	if c.TaxRate < 0 || c.TaxRate >= 1 {
		return errors.New("tax rate must be in [0, 1)")
	}
	if c.ValidatorSetSize < 1 {
		return errors.New("validator set size must be at least 1")
	}
	return nil
}

// ApplyOption sets a single recognized option by its yaml name. Nested
// options use dotted paths, e.g. "auction_weights.cost". Values arrive as
// decoded JSON (numbers are float64), so numeric options are coerced.
// Durations accept either a duration string or a number of seconds.
func (c *SynapseNetworkConfig) ApplyOption(key string, value interface{}) error {
	switch key {
	case "initial_balance_sp":
		return setInt64(&c.InitialBalance, value)
	case "transaction_tax_percentage":
		return setFloat(&c.TaxRate, value)
	case "task_completion_reputation_reward":
		return setInt64(&c.TaskCompletionReward, value)
	case "proposal_vote_reputation_reward":
		return setInt64(&c.VoteReward, value)
	case "reputation_decay_rate_daily":
		return setFloat(&c.DecayRateDaily, value)
	case "auction_weights.cost":
		return setFloat(&c.AuctionWeights.Cost, value)
	case "auction_weights.reputation":
		return setFloat(&c.AuctionWeights.Reputation, value)
	case "auction_weights.time":
		return setFloat(&c.AuctionWeights.Time, value)
	case "auction_max_days":
		return setInt(&c.AuctionMaxDays, value)
	case "anonymous_vote_bonus_alpha":
		return setFloat(&c.AnonymousVoteBonusAlpha, value)
	case "tier_thresholds.intermediate":
		return setInt64(&c.TierThresholds.Intermediate, value)
	case "tier_thresholds.expert":
		return setInt64(&c.TierThresholds.Expert, value)
	case "tier_weights.novice":
		return setFloat(&c.TierWeights.Novice, value)
	case "tier_weights.intermediate":
		return setFloat(&c.TierWeights.Intermediate, value)
	case "tier_weights.expert":
		return setFloat(&c.TierWeights.Expert, value)
	case "proposal_auto_close_after":
		return setDuration(&c.ProposalAutoClose, value)
	case "zkp_proof_max_age":
		return setDuration(&c.ProofMaxAge, value)
	case "validator_set_size":
		return setInt(&c.ValidatorSetSize, value)
	case "validator_rotation_period":
		return setDuration(&c.ValidatorRotationPeriod, value)
	case "validator_min_uptime":
		return setDuration(&c.ValidatorMinUptime, value)
	case "max_peer_connections":
		return setInt(&c.MaxPeers, value)
	case "protected_peer_count":
		return setInt(&c.ProtectedPeers, value)
	case "heartbeat_interval":
		return setDuration(&c.HeartbeatInterval, value)
	case "max_missed_heartbeats":
		return setInt(&c.MaxMissedHeartbeats, value)
	case "peer_inactivity_timeout":
		return setDuration(&c.PeerInactivityTimeout, value)
	case "peer_exchange_interval":
		return setDuration(&c.PeerExchangeInterval, value)
	case "signaling_timeout":
		return setDuration(&c.SignalingTimeout, value)
	case "request_timeout":
		return setDuration(&c.RequestTimeout, value)
	case "peer_score_weights.reputation":
		return setFloat(&c.PeerScoreWeights.Reputation, value)
	case "peer_score_weights.stability":
		return setFloat(&c.PeerScoreWeights.Stability, value)
	case "peer_score_weights.latency":
		return setFloat(&c.PeerScoreWeights.Latency, value)
	case "mesh_targets.d":
		return setInt(&c.MeshTargets.D, value)
	case "mesh_targets.d_lo":
		return setInt(&c.MeshTargets.DLow, value)
	case "mesh_targets.d_hi":
		return setInt(&c.MeshTargets.DHigh, value)
	case "pubsub_heartbeat_interval":
		return setDuration(&c.PubsubHeartbeatInterval, value)
	case "dedup_window":
		return setDuration(&c.DedupWindow, value)
	case "digest_sync_interval":
		return setDuration(&c.DigestSyncInterval, value)
	case "auction_sweep_interval":
		return setDuration(&c.AuctionSweepInterval, value)
	case "dispatch_interval":
		return setDuration(&c.DispatchInterval, value)
	case "decay_sweep_interval":
		return setDuration(&c.DecaySweepInterval, value)
	case "tool_maintenance_cadence":
		return setDuration(&c.MaintenanceCadence, value)
	case "tool_maintenance_sweep_interval":
		return setDuration(&c.MaintenanceSweepInterval, value)
	case "health_check_interval":
		return setDuration(&c.HealthCheckInterval, value)
	case "health_targets.min_connected_peers":
		return setInt(&c.HealthTargets.MinConnectedPeers, value)
	case "health_targets.max_proposal_backlog":
		return setInt(&c.HealthTargets.MaxProposalBacklog, value)
	case "health_targets.max_pending_ops":
		return setInt(&c.HealthTargets.MaxPendingOps, value)
	default:
		return errors.Errorf("unrecognized config option: %s", key)
	}
}

// ApplyPatch applies a set of options onto a copy of the config and returns
// it. The receiver is not mutated.
func (c *SynapseNetworkConfig) ApplyPatch(patch map[string]interface{}) (*SynapseNetworkConfig, error) {
	next := c.Copy()
	for key, value := range patch {
		if err := next.ApplyOption(key, value); err != nil {
			return nil, err
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func setInt64(dst *int64, value interface{}) error {
	switch v := value.(type) {
	case int:
		*dst = int64(v)
	case int64:
		*dst = v
	case float64:
		if v != float64(int64(v)) {
			return errors.Errorf("expected integer, got %v", v)
		}
		*dst = int64(v)
	default:
		return errors.Errorf("expected integer, got %T", value)
	}
	return nil
}

func setInt(dst *int, value interface{}) error {
	var v int64
	if err := setInt64(&v, value); err != nil {
		return err
	}
	*dst = int(v)
	return nil
}

func setFloat(dst *float64, value interface{}) error {
	switch v := value.(type) {
	case int:
		*dst = float64(v)
	case int64:
		*dst = float64(v)
	case float64:
		*dst = v
	default:
		return errors.Errorf("expected number, got %T", value)
	}
	return nil
}

func setDuration(dst *time.Duration, value interface{}) error {
	switch v := value.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "invalid duration")
		}
		*dst = d
	case int:
		*dst = time.Duration(v) * time.Second
	case int64:
		*dst = time.Duration(v) * time.Second
	case float64:
		*dst = time.Duration(v * float64(time.Second))
	default:
		return errors.Errorf("expected duration, got %T", value)
	}
	return nil
}
