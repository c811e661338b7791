// Package teams implements composite tasks: multi-role work coordinated by
// one member, staffed from skill-based candidacies, paid out per completed
// sub-task with a coordinator bonus on top.
package teams

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/economy"
	"github.com/synapse-ng/synapse-ng/state"
)

var log = logrus.WithField("prefix", "teams")

// WorkspaceChannel is the name of the temporary channel opened for a
// composite task's team.
func WorkspaceChannel(compositeID string) string {
	return "team-" + compositeID
}

// SubTaskSpec describes one role when creating a composite task.
type SubTaskSpec struct {
	Title          string
	Description    string
	RequiredSkills []string
	Reward         int64
}

// CreateComposite opens a composite task. The creator becomes coordinator
// and escrows the full budget: every sub-task reward plus the bonus.
func CreateComposite(st *state.State, now time.Time, cfg *params.SynapseNetworkConfig, channel, creator, title, description string, specs []SubTaskSpec, maxTeamSize int, coordinatorBonus int64) (*state.CompositeTask, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, state.NotFoundf("unknown channel %s", channel)
	}
	if _, ok := ch.Participants[creator]; !ok {
		return nil, state.Authorizationf("%s is not a member of %s", creator, channel)
	}

	c := &state.CompositeTask{
		ID:               uuid.New().String(),
		Channel:          channel,
		Title:            title,
		Description:      description,
		MaxTeamSize:      maxTeamSize,
		CoordinatorBonus: coordinatorBonus,
		Coordinator:      creator,
		Status:           state.CompositeOpen,
		Creator:          creator,
		Schema:           state.SchemaCompositeV1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var budget int64 = coordinatorBonus
	for _, spec := range specs {
		c.SubTasks = append(c.SubTasks, &state.SubTask{
			ID:             uuid.New().String(),
			Title:          spec.Title,
			Description:    spec.Description,
			RequiredSkills: spec.RequiredSkills,
			Reward:         spec.Reward,
			Status:         state.SubTaskPending,
		})
		budget += spec.Reward
	}
	if err := state.ValidateComposite(c); err != nil {
		return nil, err
	}
	if !economy.CanAfford(st, creator, budget, cfg) {
		return nil, state.Conflictf("%s cannot escrow %d SP", creator, budget)
	}
	ch.Composites[c.ID] = c
	ch.UpdatedAt = now
	log.WithField("compositeID", c.ID).WithField("channel", channel).WithField("budgetSP", budget).Info("Opened composite task")
	return c, nil
}

// Apply registers a candidacy. The applicant's advertised skills are copied
// from their channel profile at application time.
func Apply(st *state.State, now time.Time, channel, compositeID, nodeID, message string) error {
	c, ch, err := find(st, channel, compositeID)
	if err != nil {
		return err
	}
	if c.Status != state.CompositeOpen && c.Status != state.CompositeForming {
		return state.Conflictf("composite task %s is %s", compositeID, c.Status)
	}
	if _, ok := ch.Participants[nodeID]; !ok {
		return state.Authorizationf("%s is not a member of %s", nodeID, channel)
	}
	if nodeID == c.Coordinator {
		return state.Conflictf("the coordinator is already on the team")
	}
	for _, m := range c.TeamMembers {
		if m == nodeID {
			return state.Conflictf("%s is already on the team", nodeID)
		}
	}
	for _, a := range c.Applicants {
		if a.NodeID == nodeID {
			return state.Conflictf("%s already applied", nodeID)
		}
	}
	var skills []string
	if profile, ok := ch.Skills[nodeID]; ok {
		skills = profile.Skills
	}
	if required := requiredSkills(c); len(required) > 0 && countMatches(skills, required) == 0 {
		return state.Conflictf("%s covers none of the required skills", nodeID)
	}
	c.Applicants = append(c.Applicants, &state.Applicant{
		NodeID:    nodeID,
		Skills:    skills,
		Message:   message,
		Timestamp: now,
	})
	if c.Status == state.CompositeOpen {
		c.Status = state.CompositeForming
	}
	c.UpdatedAt = now
	return nil
}

// RankedCandidates orders applicants by how many still-unstaffed required
// skills they cover, candidacy time breaking ties. Skill names compare
// case-insensitively.
func RankedCandidates(c *state.CompositeTask) []*state.Applicant {
	needed := make(map[string]bool)
	for _, stask := range c.SubTasks {
		if stask.AssignedTo == "" {
			for _, skill := range stask.RequiredSkills {
				needed[strings.ToLower(skill)] = true
			}
		}
	}
	ranked := append([]*state.Applicant(nil), c.Applicants...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ci, cj := countMatches(ranked[i].Skills, needed), countMatches(ranked[j].Skills, needed)
		if ci != cj {
			return ci > cj
		}
		return ranked[i].Timestamp.Before(ranked[j].Timestamp)
	})
	return ranked
}

// requiredSkills is the union of every sub-task's skills, lowercased.
func requiredSkills(c *state.CompositeTask) map[string]bool {
	out := make(map[string]bool)
	for _, stask := range c.SubTasks {
		for _, skill := range stask.RequiredSkills {
			out[strings.ToLower(skill)] = true
		}
	}
	return out
}

func countMatches(skills []string, required map[string]bool) int {
	n := 0
	for _, skill := range skills {
		if required[strings.ToLower(skill)] {
			n++
		}
	}
	return n
}

// AcceptApplicant moves a candidate onto the team. Coordinator only.
func AcceptApplicant(st *state.State, now time.Time, channel, compositeID, coordinator, nodeID string) error {
	c, _, err := find(st, channel, compositeID)
	if err != nil {
		return err
	}
	if c.Coordinator != coordinator {
		return state.Authorizationf("only the coordinator manages the team")
	}
	if c.Status != state.CompositeForming && c.Status != state.CompositeOpen {
		return state.Conflictf("composite task %s is %s", compositeID, c.Status)
	}
	if len(c.TeamMembers) >= c.MaxTeamSize {
		return state.Conflictf("team is full (%d members)", c.MaxTeamSize)
	}
	idx := -1
	for i, a := range c.Applicants {
		if a.NodeID == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return state.NotFoundf("%s has not applied to %s", nodeID, compositeID)
	}
	c.Applicants = append(c.Applicants[:idx], c.Applicants[idx+1:]...)
	c.TeamMembers = append(c.TeamMembers, nodeID)
	sort.Strings(c.TeamMembers)
	c.UpdatedAt = now
	log.WithField("compositeID", compositeID).WithField("member", nodeID).Info("Accepted team member")
	return nil
}

// RemoveMember tombstones a team member and releases their unfinished
// sub-tasks. Coordinator only.
func RemoveMember(st *state.State, now time.Time, channel, compositeID, coordinator, nodeID string) error {
	c, _, err := find(st, channel, compositeID)
	if err != nil {
		return err
	}
	if c.Coordinator != coordinator {
		return state.Authorizationf("only the coordinator manages the team")
	}
	idx := -1
	for i, m := range c.TeamMembers {
		if m == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return state.NotFoundf("%s is not on the team", nodeID)
	}
	c.TeamMembers = append(c.TeamMembers[:idx], c.TeamMembers[idx+1:]...)
	c.RemovedMembers = append(c.RemovedMembers, nodeID)
	sort.Strings(c.RemovedMembers)
	for _, stask := range c.SubTasks {
		if stask.AssignedTo == nodeID && stask.Status != state.SubTaskCompleted {
			stask.AssignedTo = ""
			stask.Status = state.SubTaskPending
		}
	}
	c.UpdatedAt = now
	return nil
}

// Start moves the composite into execution and opens a private workspace
// channel for the team. Coordinator only, at least one member required.
func Start(st *state.State, now time.Time, channel, compositeID, coordinator string) (string, error) {
	c, _, err := find(st, channel, compositeID)
	if err != nil {
		return "", err
	}
	if c.Coordinator != coordinator {
		return "", state.Authorizationf("only the coordinator starts the work")
	}
	if c.Status != state.CompositeForming {
		return "", state.Conflictf("composite task %s is %s", compositeID, c.Status)
	}
	if len(c.TeamMembers) == 0 {
		return "", state.Conflictf("cannot start with an empty team")
	}
	workspace := WorkspaceChannel(c.ID)
	ws := state.EnsureChannel(st, workspace, now)
	ws.Participants[coordinator] = now
	for _, m := range c.TeamMembers {
		ws.Participants[m] = now
	}
	c.WorkspaceChannel = workspace
	c.Status = state.CompositeInProgress
	c.UpdatedAt = now
	log.WithField("compositeID", compositeID).WithField("workspace", workspace).Info("Composite task started")
	return workspace, nil
}

// AssignSubTask hands a pending role to a team member. Coordinator only.
func AssignSubTask(st *state.State, now time.Time, channel, compositeID, coordinator, subTaskID, member string) error {
	c, _, err := find(st, channel, compositeID)
	if err != nil {
		return err
	}
	if c.Coordinator != coordinator {
		return state.Authorizationf("only the coordinator assigns sub-tasks")
	}
	onTeam := false
	for _, m := range c.TeamMembers {
		if m == member {
			onTeam = true
			break
		}
	}
	if !onTeam {
		return state.NotFoundf("%s is not on the team", member)
	}
	stask := findSubTask(c, subTaskID)
	if stask == nil {
		return state.NotFoundf("unknown sub-task %s", subTaskID)
	}
	if stask.Status == state.SubTaskCompleted {
		return state.Conflictf("sub-task %s is already completed", subTaskID)
	}
	stask.AssignedTo = member
	stask.Status = state.SubTaskInProgress
	c.UpdatedAt = now
	return nil
}

// CompleteSubTask marks a role done. Only its assignee completes it.
func CompleteSubTask(st *state.State, now time.Time, channel, compositeID, member, subTaskID string) error {
	c, _, err := find(st, channel, compositeID)
	if err != nil {
		return err
	}
	stask := findSubTask(c, subTaskID)
	if stask == nil {
		return state.NotFoundf("unknown sub-task %s", subTaskID)
	}
	if stask.AssignedTo != member {
		return state.Authorizationf("sub-task %s is not assigned to %s", subTaskID, member)
	}
	if stask.Status == state.SubTaskCompleted {
		return state.Conflictf("sub-task %s is already completed", subTaskID)
	}
	stask.Status = state.SubTaskCompleted
	completedAt := now
	stask.CompletedAt = &completedAt
	c.UpdatedAt = now
	return nil
}

// DistributeRewards settles a fully completed composite: each assignee is
// paid net of tax per sub-task and the coordinator takes the bonus. Payout
// itself is derived; this flips the flags the derivation reads.
func DistributeRewards(st *state.State, now time.Time, channel, compositeID, coordinator string) error {
	c, _, err := find(st, channel, compositeID)
	if err != nil {
		return err
	}
	if c.Coordinator != coordinator {
		return state.Authorizationf("only the coordinator distributes rewards")
	}
	if c.RewardsDistributed {
		return state.Conflictf("rewards for %s already distributed", compositeID)
	}
	for _, stask := range c.SubTasks {
		if stask.Status != state.SubTaskCompleted {
			return state.Conflictf("sub-task %s is not completed", stask.ID)
		}
	}
	c.Status = state.CompositeCompleted
	c.RewardsDistributed = true
	c.UpdatedAt = now
	// The team workspace is temporary: archive it with the payout so the
	// history stays readable without keeping the channel active.
	if ws, ok := st.Channels[c.WorkspaceChannel]; ok && !ws.Archived {
		ws.Archived = true
		archivedAt := now
		ws.ArchivedAt = &archivedAt
		ws.UpdatedAt = now
	}
	log.WithField("compositeID", compositeID).Info("Composite task completed, rewards distributed")
	return nil
}

// Cancel aborts a composite before payout and releases the escrow.
func Cancel(st *state.State, now time.Time, channel, compositeID, coordinator string) error {
	c, _, err := find(st, channel, compositeID)
	if err != nil {
		return err
	}
	if c.Coordinator != coordinator {
		return state.Authorizationf("only the coordinator cancels")
	}
	if c.RewardsDistributed || c.Status == state.CompositeCompleted {
		return state.Conflictf("composite task %s already settled", compositeID)
	}
	c.Status = state.CompositeCancelled
	c.UpdatedAt = now
	return nil
}

func find(st *state.State, channel, compositeID string) (*state.CompositeTask, *state.Channel, error) {
	ch, ok := st.Channels[channel]
	if !ok {
		return nil, nil, state.NotFoundf("unknown channel %s", channel)
	}
	c, ok := ch.Composites[compositeID]
	if !ok {
		return nil, nil, state.NotFoundf("unknown composite task %s in %s", compositeID, channel)
	}
	return c, ch, nil
}

func findSubTask(c *state.CompositeTask, id string) *state.SubTask {
	for _, stask := range c.SubTasks {
		if stask.ID == id {
			return stask
		}
	}
	return nil
}
