package executive

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/state"
)

// Recognized command operations.
const (
	OpUpdateConfig        = "update_config"
	OpSplitChannel        = "split_channel"
	OpMergeChannels       = "merge_channels"
	OpArchiveChannel      = "archive_channel"
	OpAcquireCommonTool   = "acquire_common_tool"
	OpDeprecateCommonTool = "deprecate_common_tool"
	OpExecuteUpgrade      = "execute_upgrade"
)

// applyCommand executes one ratified command against the state. Handlers
// must be idempotent: a resequenced log can replay an entry on recovery.
func (d *Dispatcher) applyCommand(st *state.State, entry *state.LogEntry, now time.Time, cfg *params.SynapseNetworkConfig) (map[string]interface{}, error) {
	cmd := entry.Command
	switch cmd.Operation {
	case OpUpdateConfig:
		return applyUpdateConfig(entry, cfg)
	case OpSplitChannel:
		return applySplitChannel(st, cmd.Params, now)
	case OpMergeChannels:
		return applyMergeChannels(st, cmd.Params, now)
	case OpArchiveChannel:
		return applyArchiveChannel(st, cmd.Params, now)
	case OpAcquireCommonTool:
		return applyAcquireTool(st, cmd.Params, now, cfg)
	case OpDeprecateCommonTool:
		return applyDeprecateTool(st, cmd.Params, now)
	case OpExecuteUpgrade:
		return applyExecuteUpgrade(d.Sandbox, cmd.Params)
	}
	return nil, state.Executionf("unknown operation %q", cmd.Operation)
}

// applyUpdateConfig type-checks a ratified config patch. The actual
// parameter change is not applied here: every node folds the log's
// update_config entries onto its startup base through DeriveConfig, so the
// active config stays a pure function of replicated state.
func applyUpdateConfig(entry *state.LogEntry, cfg *params.SynapseNetworkConfig) (map[string]interface{}, error) {
	if _, err := cfg.ApplyPatch(entry.Command.Params); err != nil {
		return nil, state.Executionf("config patch rejected: %v", err)
	}
	keys := make([]string, 0, len(entry.Command.Params))
	for k := range entry.Command.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	log.WithField("options", strings.Join(keys, ",")).Info("Ratified network config change")
	return map[string]interface{}{"options": keys}, nil
}

// Split logics recognized by split_channel. by_tag routes tasks and
// proposals to the target mapped from their first matching tag; explicit
// routes by a record-id map. Unrouted records land on the first target.
const (
	SplitByTag    = "by_tag"
	SplitExplicit = "explicit"
)

// applySplitChannel moves the source channel's content onto new target
// channels per the command's split logic. The source stays behind as an
// archived tombstone referencing its successors.
func applySplitChannel(st *state.State, p map[string]interface{}, now time.Time) (map[string]interface{}, error) {
	source, _ := p["source"].(string)
	targets := stringSlice(p["targets"])
	if source == "" || len(targets) < 2 {
		return nil, state.Executionf("split_channel needs a source and at least two targets")
	}
	logic, _ := p["split_logic"].(string)
	if logic == "" {
		logic = SplitExplicit
	}
	if logic != SplitByTag && logic != SplitExplicit {
		return nil, state.Executionf("unknown split_logic %q", logic)
	}
	src, ok := st.Channels[source]
	if !ok {
		return nil, state.Executionf("unknown channel %s", source)
	}
	if src.Archived {
		// Replay after a restart; the split already happened.
		return map[string]interface{}{"already_applied": true}, nil
	}
	for _, target := range targets {
		if _, exists := st.Channels[target]; exists {
			return nil, state.Executionf("target channel %s already exists", target)
		}
	}

	rules := map[string]string{}
	if raw, ok := p["split_params"].(map[string]interface{}); ok {
		for key, v := range raw {
			if target, ok := v.(string); ok {
				rules[key] = target
			}
		}
	}

	byName := make(map[string]*state.Channel, len(targets))
	for _, target := range targets {
		ch := state.NewChannel(target, now)
		ch.SplitFrom = source
		for id, joined := range src.Participants {
			ch.Participants[id] = joined
		}
		st.Channels[target] = ch
		byName[target] = ch
	}
	primary := byName[targets[0]]

	route := func(id string, tags []string) *state.Channel {
		if logic == SplitByTag {
			for _, tag := range tags {
				if ch, ok := byName[rules[tag]]; ok {
					return ch
				}
			}
			return primary
		}
		if ch, ok := byName[rules[id]]; ok {
			return ch
		}
		return primary
	}

	moved := 0
	for id, t := range src.Tasks {
		dest := route(id, t.Tags)
		if dest != primary {
			moved++
		}
		t.Channel = dest.Name
		dest.Tasks[id] = t
	}
	for id, pr := range src.Proposals {
		dest := route(id, pr.Tags)
		pr.Channel = dest.Name
		dest.Proposals[id] = pr
	}
	for id, c := range src.Composites {
		c.Channel = primary.Name
		primary.Composites[id] = c
	}
	for id, sk := range src.Skills {
		primary.Skills[id] = sk
	}
	for id, tool := range src.Tools {
		primary.Tools[id] = tool
	}

	src.Tasks = make(map[string]*state.Task)
	src.Proposals = make(map[string]*state.Proposal)
	src.Composites = make(map[string]*state.CompositeTask)
	src.Skills = make(map[string]*state.SkillsProfile)
	src.Tools = make(map[string]*state.CommonTool)
	src.Archived = true
	src.ArchivedAt = &now
	src.SplitInto = targets
	src.UpdatedAt = now

	log.WithField("source", source).WithField("targets", targets).WithField("logic", logic).Info("Split channel")
	return map[string]interface{}{"moved": moved}, nil
}

func applyMergeChannels(st *state.State, p map[string]interface{}, now time.Time) (map[string]interface{}, error) {
	sources := stringSlice(p["sources"])
	target, _ := p["target"].(string)
	if len(sources) < 2 || target == "" {
		return nil, state.Executionf("merge_channels needs at least two sources and a target")
	}
	dst, ok := st.Channels[target]
	if !ok {
		dst = state.NewChannel(target, now)
		st.Channels[target] = dst
	}
	for _, source := range sources {
		src, ok := st.Channels[source]
		if !ok {
			return nil, state.Executionf("unknown channel %s", source)
		}
		if src.Archived {
			continue
		}
		for id, joined := range src.Participants {
			if cur, ok := dst.Participants[id]; !ok || joined.Before(cur) {
				dst.Participants[id] = joined
			}
		}
		for id, t := range src.Tasks {
			if _, dup := dst.Tasks[id]; !dup {
				t.Channel = target
				dst.Tasks[id] = t
			}
		}
		for id, pr := range src.Proposals {
			if _, dup := dst.Proposals[id]; !dup {
				pr.Channel = target
				dst.Proposals[id] = pr
			}
		}
		for id, c := range src.Composites {
			if _, dup := dst.Composites[id]; !dup {
				c.Channel = target
				dst.Composites[id] = c
			}
		}
		for id, sk := range src.Skills {
			if _, dup := dst.Skills[id]; !dup {
				dst.Skills[id] = sk
			}
		}
		for id, tool := range src.Tools {
			if _, dup := dst.Tools[id]; !dup {
				dst.Tools[id] = tool
			}
		}
		src.Tasks = make(map[string]*state.Task)
		src.Proposals = make(map[string]*state.Proposal)
		src.Composites = make(map[string]*state.CompositeTask)
		src.Skills = make(map[string]*state.SkillsProfile)
		src.Tools = make(map[string]*state.CommonTool)
		src.Archived = true
		src.ArchivedAt = &now
		src.MergedInto = target
		src.UpdatedAt = now
	}
	dst.MergedFrom = append(dst.MergedFrom[:0], sources...)
	dst.UpdatedAt = now

	log.WithField("sources", sources).WithField("target", target).Info("Merged channels")
	return map[string]interface{}{"target": target}, nil
}

func applyArchiveChannel(st *state.State, p map[string]interface{}, now time.Time) (map[string]interface{}, error) {
	name, _ := p["channel"].(string)
	ch, ok := st.Channels[name]
	if !ok {
		return nil, state.Executionf("unknown channel %s", name)
	}
	if !ch.Archived {
		ch.Archived = true
		ch.ArchivedAt = &now
		ch.UpdatedAt = now
	}
	return nil, nil
}

func applyAcquireTool(st *state.State, p map[string]interface{}, now time.Time, cfg *params.SynapseNetworkConfig) (map[string]interface{}, error) {
	channel, _ := p["channel"].(string)
	toolID, _ := p["tool_id"].(string)
	toolType, _ := p["type"].(string)
	cost, ok := intParam(p["monthly_cost_sp"])
	if channel == "" || toolID == "" || toolType == "" || !ok || cost <= 0 {
		return nil, state.Executionf("acquire_common_tool needs channel, tool_id, type and a positive monthly_cost_sp")
	}
	ch, found := st.Channels[channel]
	if !found {
		return nil, state.Executionf("unknown channel %s", channel)
	}
	if _, dup := ch.Tools[toolID]; dup {
		return map[string]interface{}{"already_applied": true}, nil
	}
	if treasury := economy.Treasury(st, channel, cfg); treasury < cost {
		return nil, state.Executionf("treasury of %s holds %d SP, tool costs %d", channel, treasury, cost)
	}
	description, _ := p["description"].(string)
	credentials, _ := p["encrypted_credentials"].(string)
	ch.Tools[toolID] = &state.CommonTool{
		ID:                   toolID,
		Description:          description,
		Type:                 toolType,
		MonthlyCost:          cost,
		EncryptedCredentials: credentials,
		Status:               state.ToolActive,
		PaymentsMade:         1,
		AcquiredAt:           now,
		LastPaymentAt:        now,
		UpdatedAt:            now,
	}
	ch.UpdatedAt = now
	log.WithField("toolID", toolID).WithField("channel", channel).WithField("costSP", cost).Info("Acquired common tool")
	return map[string]interface{}{"tool_id": toolID}, nil
}

func applyDeprecateTool(st *state.State, p map[string]interface{}, now time.Time) (map[string]interface{}, error) {
	channel, _ := p["channel"].(string)
	toolID, _ := p["tool_id"].(string)
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, state.Executionf("unknown channel %s", channel)
	}
	tool, ok := ch.Tools[toolID]
	if !ok {
		return nil, state.Executionf("unknown tool %s in %s", toolID, channel)
	}
	if tool.Status != state.ToolDeprecated {
		tool.Status = state.ToolDeprecated
		tool.UpdatedAt = now
		ch.UpdatedAt = now
	}
	return nil, nil
}

// applyExecuteUpgrade fetches the ratified package through the sandbox,
// verifies it against the expected hash and hands it over for installation.
// Any failure records execution_failed and leaves state untouched.
func applyExecuteUpgrade(sandbox UpgradeSandbox, p map[string]interface{}) (map[string]interface{}, error) {
	version, _ := p["version"].(string)
	packageURL, _ := p["package_url"].(string)
	packageHash, _ := p["package_hash"].(string)
	if version == "" || packageURL == "" || packageHash == "" {
		return nil, state.Executionf("execute_upgrade needs version, package_url and package_hash")
	}
	if sandbox == nil {
		return nil, state.Executionf("no upgrade sandbox available")
	}
	artifact, err := sandbox.Fetch(packageURL)
	if err != nil {
		return nil, state.Executionf("could not fetch upgrade package: %v", err)
	}
	sum := sha256.Sum256(artifact)
	if digest := hex.EncodeToString(sum[:]); digest != packageHash {
		return nil, state.Executionf("upgrade package hash mismatch: want %s, got %s", packageHash, digest)
	}
	newVersion, err := sandbox.Apply(version, artifact)
	if err != nil {
		return nil, state.Executionf("upgrade rejected by sandbox: %v", err)
	}
	log.WithField("version", newVersion).Info("Applied code upgrade")
	return map[string]interface{}{"applied": true, "new_version": newVersion}, nil
}

func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intParam(v interface{}) (int64, bool) {
	switch vv := v.(type) {
	case int:
		return int64(vv), true
	case int64:
		return vv, true
	case float64:
		if vv != float64(int64(vv)) {
			return 0, false
		}
		return int64(vv), true
	}
	return 0, false
}
