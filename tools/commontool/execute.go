package commontool

import (
	"context"

	"github.com/pkg/errors"

	"github.com/synapse-ng/synapse-ng/state"
)

// Executor carries out an authorized tool invocation against its external
// endpoint. Implementations live outside the core and receive the unsealed
// credential together with the caller's parameters.
type Executor interface {
	ExecuteTool(ctx context.Context, tool *state.CommonTool, credential string, params map[string]interface{}) (map[string]interface{}, error)
}

// Credentials unseals a tool's credential blob with the channel's key
// material. Both sides of the call are opaque to the core.
type Credentials interface {
	Decrypt(channel, blob string) (string, error)
}

// Authorize checks that nodeID may run a tool for a task: the caller must
// be the task's assignee, the task must be claimed or in progress and list
// the tool in its required set, and the tool must be active. The tool
// record is returned for the execution step.
func Authorize(st *state.State, channel, nodeID, taskID, toolID string) (*state.CommonTool, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, state.NotFoundf("unknown channel %s", channel)
	}
	tool, ok := ch.Tools[toolID]
	if !ok {
		return nil, state.NotFoundf("unknown tool %s in %s", toolID, channel)
	}
	if tool.Status != state.ToolActive {
		return nil, state.Conflictf("tool %s is %s", toolID, tool.Status)
	}
	task, ok := ch.Tasks[taskID]
	if !ok {
		return nil, state.NotFoundf("unknown task %s in %s", taskID, channel)
	}
	if task.Assignee != nodeID {
		return nil, state.Authorizationf("only the assignee of task %s may run its tools", taskID)
	}
	if task.Status != state.TaskClaimed && task.Status != state.TaskInProgress {
		return nil, state.Conflictf("task %s is %s, tools run only on active work", taskID, task.Status)
	}
	if !requiresTool(task, toolID) {
		return nil, state.Authorizationf("task %s does not require tool %s", taskID, toolID)
	}
	return tool, nil
}

// Run authorizes one tool invocation and delegates it: credentials are
// unsealed by the credential collaborator and the call itself happens in
// the executor. The plaintext credential never touches replicated state.
func Run(ctx context.Context, st *state.State, creds Credentials, exec Executor, channel, nodeID, taskID, toolID string, params map[string]interface{}) (map[string]interface{}, error) {
	tool, err := Authorize(st, channel, nodeID, taskID, toolID)
	if err != nil {
		return nil, err
	}
	if tool.EncryptedCredentials == "" {
		return nil, state.Conflictf("tool %s has no credentials configured", toolID)
	}
	credential, err := creds.Decrypt(channel, tool.EncryptedCredentials)
	if err != nil {
		return nil, errors.Wrapf(err, "could not unseal credentials for tool %s", toolID)
	}
	result, err := exec.ExecuteTool(ctx, tool, credential, params)
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s execution failed", toolID)
	}
	return result, nil
}

func requiresTool(task *state.Task, toolID string) bool {
	for _, id := range task.RequiredTools {
		if id == toolID {
			return true
		}
	}
	return false
}
