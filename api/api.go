// Package api is the local operation surface of a node. Every inbound
// mutation goes through here: it validates against the current state inside
// one store transaction, then notifies the node so the touched channel is
// broadcast to the mesh.
package api

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/crypto/identity"
	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/tools/commontool"
)

var log = logrus.WithField("prefix", "api")

// API exposes node operations. OnChange, when set, is invoked after every
// successful mutation with the channel that changed (state.GlobalChannel
// for global registries).
type API struct {
	store    *state.Store
	identity *identity.Identity
	OnChange func(channel string)

	// Tool execution collaborators, wired by the node when configured.
	// ExecuteTool fails until both are present.
	Credentials commontool.Credentials
	Executor    commontool.Executor
}

// New builds the operation surface around a store and the node identity.
func New(store *state.Store, id *identity.Identity) *API {
	return &API{store: store, identity: id}
}

// Store exposes the underlying store for read paths.
func (a *API) Store() *state.Store {
	return a.store
}

// NodeID returns the local node's identifier.
func (a *API) NodeID() string {
	return a.identity.NodeID()
}

func (a *API) notify(channel string) {
	if a.OnChange != nil {
		a.OnChange(channel)
	}
}

// CreateChannel creates a new channel with the caller as first member.
func (a *API) CreateChannel(name string) error {
	if name == "" || name == state.GlobalChannel {
		return state.Validationf("invalid channel name %q", name)
	}
	err := a.store.Update(func(st *state.State, now time.Time) error {
		if _, exists := st.Channels[name]; exists {
			return state.Conflictf("channel %s already exists", name)
		}
		ch := state.EnsureChannel(st, name, now)
		ch.Participants[a.NodeID()] = now
		return nil
	})
	if err != nil {
		return err
	}
	log.WithField("channel", name).Info("Created channel")
	a.notify(name)
	return nil
}

// JoinChannel subscribes the caller to a channel, creating the membership
// record other peers will merge.
func (a *API) JoinChannel(name string) error {
	err := a.store.Update(func(st *state.State, now time.Time) error {
		ch, ok := st.Channels[name]
		if !ok {
			ch = state.EnsureChannel(st, name, now)
		}
		if ch.Archived {
			return state.Conflictf("channel %s is archived", name)
		}
		if _, ok := ch.Participants[a.NodeID()]; ok {
			return state.Conflictf("already a member of %s", name)
		}
		ch.Participants[a.NodeID()] = now
		ch.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	a.notify(name)
	return nil
}

// UpdateSkills publishes the caller's skills profile in a channel.
func (a *API) UpdateSkills(channel string, skills []string, bio string) error {
	err := a.store.Update(func(st *state.State, now time.Time) error {
		ch, ok := st.Channels[channel]
		if !ok {
			return state.NotFoundf("unknown channel %s", channel)
		}
		if _, ok := ch.Participants[a.NodeID()]; !ok {
			return state.Authorizationf("not a member of %s", channel)
		}
		ch.Skills[a.NodeID()] = &state.SkillsProfile{Skills: skills, Bio: bio, UpdatedAt: now}
		ch.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	a.notify(channel)
	return nil
}

// ExecuteTool authorizes a common-tool invocation for the caller and
// delegates the external call to the executor collaborator. The caller must
// be the assignee of an active task that requires the tool.
func (a *API) ExecuteTool(ctx context.Context, channel, taskID, toolID string, toolParams map[string]interface{}) (map[string]interface{}, error) {
	if a.Credentials == nil || a.Executor == nil {
		return nil, state.Executionf("no tool executor is wired on this node")
	}
	return commontool.Run(ctx, a.store.Snapshot(), a.Credentials, a.Executor, channel, a.NodeID(), taskID, toolID, toolParams)
}

// Config returns the active network configuration.
func (a *API) Config() *params.SynapseNetworkConfig {
	return params.SynapseConfig()
}
