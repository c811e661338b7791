// Package commontool gives channel members access to collectively funded
// tools. Acquisition and deprecation are executive commands decided by
// governance; this package covers the read side, the proposal helpers, and
// the authorization gate in front of the external tool executor.
package commontool

import (
	"github.com/synapse-ng/synapse-ng/executive"
	"github.com/synapse-ng/synapse-ng/state"
)

// Access returns the encrypted credential blob of an active tool. Only
// channel members get it; decryption happens with the channel key outside
// the core.
func Access(st *state.State, channel, nodeID, toolID string) (string, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return "", state.NotFoundf("unknown channel %s", channel)
	}
	if _, ok := ch.Participants[nodeID]; !ok {
		return "", state.Authorizationf("%s is not a member of %s", nodeID, channel)
	}
	tool, ok := ch.Tools[toolID]
	if !ok {
		return "", state.NotFoundf("unknown tool %s in %s", toolID, channel)
	}
	if tool.Status != state.ToolActive {
		return "", state.Conflictf("tool %s is %s", toolID, tool.Status)
	}
	return tool.EncryptedCredentials, nil
}

// List returns the tools of a channel, active first is the caller's concern.
func List(st *state.State, channel string) ([]*state.CommonTool, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, state.NotFoundf("unknown channel %s", channel)
	}
	out := make([]*state.CommonTool, 0, len(ch.Tools))
	for _, tool := range ch.Tools {
		out = append(out, tool)
	}
	return out, nil
}

// AcquisitionParams builds the command params for an acquire proposal.
func AcquisitionParams(channel, toolID, toolType, description string, monthlyCost int64, encryptedCredentials string) map[string]interface{} {
	return map[string]interface{}{
		"operation": executive.OpAcquireCommonTool,
		"params": map[string]interface{}{
			"channel":               channel,
			"tool_id":               toolID,
			"type":                  toolType,
			"description":           description,
			"monthly_cost_sp":       monthlyCost,
			"encrypted_credentials": encryptedCredentials,
		},
	}
}

// DeprecationParams builds the command params for a deprecate proposal.
func DeprecationParams(channel, toolID string) map[string]interface{} {
	return map[string]interface{}{
		"operation": executive.OpDeprecateCommonTool,
		"params": map[string]interface{}{
			"channel": channel,
			"tool_id": toolID,
		},
	}
}
