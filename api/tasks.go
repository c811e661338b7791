package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/state"
)

// TaskRequest carries the creator-supplied fields of a new task.
type TaskRequest struct {
	Title         string
	Description   string
	Tags          []string
	Reward        int64
	RequiredTools []string
}

// CreateTask opens a fixed-reward task, escrowing the reward from the
// caller's balance.
func (a *API) CreateTask(channel string, req *TaskRequest) (string, error) {
	var taskID string
	err := a.store.Update(func(st *state.State, now time.Time) error {
		ch, err := a.memberChannel(st, channel)
		if err != nil {
			return err
		}
		t := &state.Task{
			ID:            uuid.New().String(),
			Channel:       channel,
			Title:         req.Title,
			Description:   req.Description,
			Tags:          req.Tags,
			Reward:        req.Reward,
			Status:        state.TaskOpen,
			Creator:       a.NodeID(),
			RequiredTools: req.RequiredTools,
			Schema:        state.SchemaTaskV1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := state.ValidateTask(t); err != nil {
			return err
		}
		for _, toolID := range req.RequiredTools {
			tool, ok := ch.Tools[toolID]
			if !ok || tool.Status != state.ToolActive {
				return state.Validationf("task requires unavailable tool %s", toolID)
			}
		}
		cfg := a.Config()
		if !economy.CanAfford(st, a.NodeID(), req.Reward, cfg) {
			return state.Conflictf("insufficient balance to escrow %d SP", req.Reward)
		}
		ch.Tasks[t.ID] = t
		ch.UpdatedAt = now
		taskID = t.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	log.WithField("taskID", taskID).WithField("channel", channel).Info("Created task")
	a.notify(channel)
	return taskID, nil
}

// CreateAuctionTask opens a task whose reward is discovered by bidding. The
// ceiling is escrowed until finalization fixes the winning bid.
func (a *API) CreateAuctionTask(channel string, req *TaskRequest, maxReward, minIncrement int64, deadline time.Time) (string, error) {
	var taskID string
	err := a.store.Update(func(st *state.State, now time.Time) error {
		ch, err := a.memberChannel(st, channel)
		if err != nil {
			return err
		}
		if !deadline.After(now) {
			return state.Validationf("auction deadline must be in the future")
		}
		t := &state.Task{
			ID:          uuid.New().String(),
			Channel:     channel,
			Title:       req.Title,
			Description: req.Description,
			Tags:        req.Tags,
			Status:      state.TaskOpen,
			Creator:     a.NodeID(),
			Schema:      state.SchemaAuctionV1,
			Auction: &state.Auction{
				Status:       state.AuctionOpen,
				MaxReward:    maxReward,
				Deadline:     deadline,
				MinIncrement: minIncrement,
				Bids:         make(map[string]*state.Bid),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := state.ValidateTask(t); err != nil {
			return err
		}
		cfg := a.Config()
		if !economy.CanAfford(st, a.NodeID(), maxReward, cfg) {
			return state.Conflictf("insufficient balance to escrow %d SP", maxReward)
		}
		ch.Tasks[t.ID] = t
		ch.UpdatedAt = now
		taskID = t.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	log.WithField("taskID", taskID).WithField("channel", channel).Info("Opened task auction")
	a.notify(channel)
	return taskID, nil
}

// PlaceBid records the caller's sealed bid on an open auction.
func (a *API) PlaceBid(channel, taskID string, amount int64, estimatedDays int) error {
	err := a.store.Update(func(st *state.State, now time.Time) error {
		ch, err := a.memberChannel(st, channel)
		if err != nil {
			return err
		}
		t, ok := ch.Tasks[taskID]
		if !ok {
			return state.NotFoundf("unknown task %s", taskID)
		}
		cfg := a.Config()
		bid := &state.Bid{
			Amount:        amount,
			EstimatedDays: estimatedDays,
			Reputation:    economy.CachedReputation(economy.ReputationOf(st, a.NodeID(), now, cfg), now).Total,
			Timestamp:     now,
		}
		if err := state.ValidateBid(t, a.NodeID(), bid); err != nil {
			return err
		}
		if now.After(t.Auction.Deadline) {
			return state.Conflictf("auction on task %s already expired", taskID)
		}
		t.Auction.Bids[a.NodeID()] = bid
		t.UpdatedAt = now
		ch.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	a.notify(channel)
	return nil
}

// ClaimTask assigns an open task to the caller.
func (a *API) ClaimTask(channel, taskID string) error {
	return a.transitionTask(channel, taskID, func(t *state.Task, now time.Time) error {
		if t.Status != state.TaskOpen {
			return state.Conflictf("task %s is %s", taskID, t.Status)
		}
		if t.Auction != nil && t.Auction.Status == state.AuctionOpen {
			return state.Conflictf("task %s is under auction", taskID)
		}
		if t.Creator == a.NodeID() {
			return state.Authorizationf("creator cannot claim their own task")
		}
		t.Assignee = a.NodeID()
		t.Status = state.TaskClaimed
		return nil
	})
}

// ProgressTask moves the caller's claimed task into in_progress.
func (a *API) ProgressTask(channel, taskID string) error {
	return a.transitionTask(channel, taskID, func(t *state.Task, now time.Time) error {
		if t.Assignee != a.NodeID() {
			return state.Authorizationf("task %s is not assigned to the caller", taskID)
		}
		if t.Status != state.TaskClaimed {
			return state.Conflictf("task %s is %s", taskID, t.Status)
		}
		t.Status = state.TaskInProgress
		return nil
	})
}

// CompleteTask finishes the caller's task. The payout and the reputation
// credit both follow from the status change, derived by every node alike.
func (a *API) CompleteTask(channel, taskID string) error {
	return a.transitionTask(channel, taskID, func(t *state.Task, now time.Time) error {
		if t.Assignee != a.NodeID() {
			return state.Authorizationf("task %s is not assigned to the caller", taskID)
		}
		if t.Status != state.TaskClaimed && t.Status != state.TaskInProgress {
			return state.Conflictf("task %s is %s", taskID, t.Status)
		}
		t.Status = state.TaskCompleted
		return nil
	})
}

// CancelTask withdraws the caller's own unclaimed task, releasing escrow.
func (a *API) CancelTask(channel, taskID string) error {
	return a.transitionTask(channel, taskID, func(t *state.Task, now time.Time) error {
		if t.Creator != a.NodeID() {
			return state.Authorizationf("only the creator cancels a task")
		}
		if t.Status != state.TaskOpen {
			return state.Conflictf("task %s is %s", taskID, t.Status)
		}
		t.Status = state.TaskCancelled
		if t.Auction != nil && t.Auction.Status == state.AuctionOpen {
			t.Auction.Status = state.AuctionCancelled
		}
		return nil
	})
}

func (a *API) transitionTask(channel, taskID string, fn func(t *state.Task, now time.Time) error) error {
	err := a.store.Update(func(st *state.State, now time.Time) error {
		ch, err := a.memberChannel(st, channel)
		if err != nil {
			return err
		}
		t, ok := ch.Tasks[taskID]
		if !ok {
			return state.NotFoundf("unknown task %s", taskID)
		}
		if err := fn(t, now); err != nil {
			return err
		}
		t.UpdatedAt = now
		ch.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	a.notify(channel)
	return nil
}

func (a *API) memberChannel(st *state.State, channel string) (*state.Channel, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, state.NotFoundf("unknown channel %s", channel)
	}
	if ch.Archived {
		return nil, state.Conflictf("channel %s is archived", channel)
	}
	if _, ok := ch.Participants[a.NodeID()]; !ok {
		return nil, state.Authorizationf("not a member of %s", channel)
	}
	return ch, nil
}
