package api

import (
	"time"

	"github.com/synapse-ng/synapse-ng/state"
	"github.com/synapse-ng/synapse-ng/teams"
)

// CreateCompositeTask opens a multi-role task coordinated by the caller.
func (a *API) CreateCompositeTask(channel, title, description string, specs []teams.SubTaskSpec, maxTeamSize int, coordinatorBonus int64) (string, error) {
	var compositeID string
	err := a.store.Update(func(st *state.State, now time.Time) error {
		c, err := teams.CreateComposite(st, now, a.Config(), channel, a.NodeID(), title, description, specs, maxTeamSize, coordinatorBonus)
		if err != nil {
			return err
		}
		compositeID = c.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	a.notify(channel)
	return compositeID, nil
}

// ApplyToComposite registers the caller's candidacy.
func (a *API) ApplyToComposite(channel, compositeID, message string) error {
	return a.teamOp(channel, func(st *state.State, now time.Time) error {
		return teams.Apply(st, now, channel, compositeID, a.NodeID(), message)
	})
}

// AcceptTeamMember accepts an applicant. Coordinator only.
func (a *API) AcceptTeamMember(channel, compositeID, nodeID string) error {
	return a.teamOp(channel, func(st *state.State, now time.Time) error {
		return teams.AcceptApplicant(st, now, channel, compositeID, a.NodeID(), nodeID)
	})
}

// RemoveTeamMember tombstones a member. Coordinator only.
func (a *API) RemoveTeamMember(channel, compositeID, nodeID string) error {
	return a.teamOp(channel, func(st *state.State, now time.Time) error {
		return teams.RemoveMember(st, now, channel, compositeID, a.NodeID(), nodeID)
	})
}

// StartComposite begins execution and opens the team workspace channel.
func (a *API) StartComposite(channel, compositeID string) (string, error) {
	var workspace string
	err := a.store.Update(func(st *state.State, now time.Time) error {
		ws, err := teams.Start(st, now, channel, compositeID, a.NodeID())
		if err != nil {
			return err
		}
		workspace = ws
		return nil
	})
	if err != nil {
		return "", err
	}
	a.notify(channel)
	a.notify(workspace)
	return workspace, nil
}

// AssignSubTask hands a role to a team member. Coordinator only.
func (a *API) AssignSubTask(channel, compositeID, subTaskID, member string) error {
	return a.teamOp(channel, func(st *state.State, now time.Time) error {
		return teams.AssignSubTask(st, now, channel, compositeID, a.NodeID(), subTaskID, member)
	})
}

// CompleteSubTask marks the caller's role done.
func (a *API) CompleteSubTask(channel, compositeID, subTaskID string) error {
	return a.teamOp(channel, func(st *state.State, now time.Time) error {
		return teams.CompleteSubTask(st, now, channel, compositeID, a.NodeID(), subTaskID)
	})
}

// DistributeCompositeRewards settles a fully completed composite task.
func (a *API) DistributeCompositeRewards(channel, compositeID string) error {
	return a.teamOp(channel, func(st *state.State, now time.Time) error {
		return teams.DistributeRewards(st, now, channel, compositeID, a.NodeID())
	})
}

// CancelComposite aborts a composite before payout.
func (a *API) CancelComposite(channel, compositeID string) error {
	return a.teamOp(channel, func(st *state.State, now time.Time) error {
		return teams.Cancel(st, now, channel, compositeID, a.NodeID())
	})
}

func (a *API) teamOp(channel string, fn func(st *state.State, now time.Time) error) error {
	if err := a.store.Update(fn); err != nil {
		return err
	}
	a.notify(channel)
	return nil
}
