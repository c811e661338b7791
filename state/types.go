// Package state holds the replicated application state and the merge engine
// that keeps it convergent. Every record is last-write-wins per field group,
// with (updated_at, node_id) as the deterministic tiebreaker; counters such
// as balances and treasuries are never stored, only derived from the event
// history by the economy package.
package state

import (
	"time"
)

// GlobalChannel is the reserved shard holding network-wide entities.
const GlobalChannel = "global"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	TaskOpen       TaskStatus = "open"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// AuctionStatus is the lifecycle state of a task auction.
type AuctionStatus string

// Auction lifecycle states.
const (
	AuctionOpen      AuctionStatus = "open"
	AuctionFinalized AuctionStatus = "finalized"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Bid is a sealed offer on an auctioned task. Bids merge LWW per bidder.
type Bid struct {
	Amount        int64     `json:"amount"`
	EstimatedDays int       `json:"estimated_days"`
	Reputation    int64     `json:"reputation"`
	Timestamp     time.Time `json:"timestamp"`
}

// Auction is embedded in a task when the reward is discovered by bidding
// instead of being fixed by the creator.
type Auction struct {
	Status       AuctionStatus   `json:"status"`
	MaxReward    int64           `json:"max_reward"`
	Deadline     time.Time       `json:"deadline"`
	MinIncrement int64           `json:"min_increment"`
	Bids         map[string]*Bid `json:"bids"`
	Winner       string          `json:"winner,omitempty"`
	WinningBid   int64           `json:"winning_bid,omitempty"`
}

// Task is a unit of rewarded work inside a channel.
type Task struct {
	ID            string     `json:"id"`
	Channel       string     `json:"channel"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Reward        int64      `json:"reward"`
	Status        TaskStatus `json:"status"`
	Creator       string     `json:"creator"`
	Assignee      string     `json:"assignee,omitempty"`
	RequiredTools []string   `json:"required_tools,omitempty"`
	Auction       *Auction   `json:"auction,omitempty"`
	Schema        string     `json:"schema"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TreasuryCreator returns the synthetic creator ID used for tasks funded by
// a channel treasury rather than a member balance.
func TreasuryCreator(channel string) string {
	return "channel:" + channel
}

// VoteValue is a public or anonymous ballot value.
type VoteValue string

// Ballot values.
const (
	VoteYes VoteValue = "yes"
	VoteNo  VoteValue = "no"
)

// Vote is a public, attributable ballot. LWW per voter.
type Vote struct {
	Value     VoteValue `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AnonymousVote is a tier-weighted ballot accepted after proof verification.
// Appended, deduplicated by nullifier.
type AnonymousVote struct {
	Value     VoteValue `json:"value"`
	Tier      string    `json:"tier"`
	Nullifier string    `json:"nullifier"`
	Timestamp time.Time `json:"timestamp"`
}

// ProposalType selects the execution path of an approved proposal.
type ProposalType string

// Proposal types. The last three are executive: approval only moves them to
// pending ratification by the validator set.
const (
	ProposalGeneric      ProposalType = "generic"
	ProposalConfigChange ProposalType = "config_change"
	ProposalNetworkOp    ProposalType = "network_operation"
	ProposalCodeUpgrade  ProposalType = "code_upgrade"
	ProposalCommand      ProposalType = "command"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

// Proposal lifecycle states.
const (
	ProposalOpen                ProposalStatus = "open"
	ProposalClosed              ProposalStatus = "closed"
	ProposalPendingRatification ProposalStatus = "pending_ratification"
	ProposalExecuted            ProposalStatus = "executed"
	ProposalExecutionFailed     ProposalStatus = "execution_failed"
	ProposalArchived            ProposalStatus = "archived"
)

// Outcome is the tally result of a closed proposal.
type Outcome string

// Tally outcomes. Ties reject.
const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Command is a named operation ratified by the validator set and replayed
// deterministically from the execution log.
type Command struct {
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// Proposal is a governance item voted on by channel members.
type Proposal struct {
	ID              string                 `json:"id"`
	Channel         string                 `json:"channel"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description,omitempty"`
	Type            ProposalType           `json:"proposal_type"`
	Tags            []string               `json:"tags,omitempty"`
	Proposer        string                 `json:"proposer"`
	Status          ProposalStatus         `json:"status"`
	Outcome         Outcome                `json:"outcome"`
	Votes           map[string]*Vote       `json:"votes"`
	AnonymousVotes  []*AnonymousVote       `json:"anonymous_votes,omitempty"`
	Params          map[string]interface{} `json:"params,omitempty"`
	Command         *Command               `json:"command,omitempty"`
	Schema          string                 `json:"schema"`
	ExecutionResult *ExecutionResult       `json:"execution_result,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ClosedAt        *time.Time             `json:"closed_at,omitempty"`
}

// PendingOperation is an approved executive command awaiting validator
// ratifications. Ratifications merge as a union keyed by validator.
type PendingOperation struct {
	ProposalID    string               `json:"proposal_id"`
	Channel       string               `json:"channel"`
	Command       *Command             `json:"command"`
	Ratifications map[string]time.Time `json:"ratifications"`
	CreatedAt     time.Time            `json:"created_at"`
}

// LogEntry is one ratified command in the totally ordered execution log.
type LogEntry struct {
	Sequence   uint64    `json:"sequence"`
	ProposalID string    `json:"proposal_id"`
	Channel    string    `json:"channel"`
	Command    *Command  `json:"command"`
	Ratifiers  []string  `json:"ratifiers"`
	AppendedAt time.Time `json:"appended_at"`
}

// ExecutionResult records the deterministic effect of dispatching one log
// entry. Failures do not halt log consumption.
type ExecutionResult struct {
	Sequence   uint64                 `json:"sequence"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	ExecutedAt time.Time              `json:"executed_at"`
}

// Reputation is the cached, event-derived reputation record of a node.
type Reputation struct {
	Total       int64            `json:"_total"`
	Tags        map[string]int64 `json:"tags"`
	LastUpdated time.Time        `json:"_last_updated"`
}

// NodeInfo is the global registry entry for a known node. OnlineSince is
// reset by the owner's own heartbeat whenever it resumes after a gap, so
// validator selection can require a continuous uptime.
type NodeInfo struct {
	ID          string      `json:"id"`
	Addrs       []string    `json:"addrs,omitempty"`
	OnlineSince time.Time   `json:"online_since"`
	LastSeen    time.Time   `json:"last_seen"`
	Reputation  *Reputation `json:"reputation,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SkillsProfile advertises a member's skills inside a channel.
type SkillsProfile struct {
	Skills    []string  `json:"skills"`
	Bio       string    `json:"bio,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolStatus is the lifecycle state of a common tool.
type ToolStatus string

// Common tool states.
const (
	ToolActive     ToolStatus = "active"
	ToolDeprecated ToolStatus = "deprecated"
)

// CommonTool is a channel-owned resource funded from the treasury. The
// credentials blob is opaque to the core.
type CommonTool struct {
	ID                   string     `json:"tool_id"`
	Description          string     `json:"description,omitempty"`
	Type                 string     `json:"type"`
	MonthlyCost          int64      `json:"monthly_cost_sp"`
	EncryptedCredentials string     `json:"encrypted_credentials,omitempty"`
	Status               ToolStatus `json:"status"`
	// PaymentsMade counts treasury debits including the acquisition month,
	// so the treasury derivation stays a pure function of state.
	PaymentsMade  int64     `json:"payments_made"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastPaymentAt time.Time `json:"last_payment_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SubTaskStatus is the lifecycle state of a composite sub-task.
type SubTaskStatus string

// Sub-task states.
const (
	SubTaskPending    SubTaskStatus = "pending"
	SubTaskInProgress SubTaskStatus = "in_progress"
	SubTaskCompleted  SubTaskStatus = "completed"
)

// SubTask is one role inside a composite task.
type SubTask struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	RequiredSkills []string      `json:"required_skills,omitempty"`
	Reward         int64         `json:"reward"`
	AssignedTo     string        `json:"assigned_to,omitempty"`
	Status         SubTaskStatus `json:"status"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Applicant is a candidacy for a composite-task team.
type Applicant struct {
	NodeID    string    `json:"node_id"`
	Skills    []string  `json:"skills,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CompositeStatus is the lifecycle state of a composite task.
type CompositeStatus string

// Composite task states.
const (
	CompositeOpen       CompositeStatus = "open"
	CompositeForming    CompositeStatus = "forming_team"
	CompositeInProgress CompositeStatus = "in_progress"
	CompositeCompleted  CompositeStatus = "completed"
	CompositeCancelled  CompositeStatus = "cancelled"
)

// CompositeTask is a coordinator-led multi-role task. Team membership is a
// grow-only set with tombstones in RemovedMembers.
type CompositeTask struct {
	ID                 string          `json:"id"`
	Channel            string          `json:"channel"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	SubTasks           []*SubTask      `json:"sub_tasks"`
	MaxTeamSize        int             `json:"max_team_size"`
	CoordinatorBonus   int64           `json:"coordinator_bonus"`
	Coordinator        string          `json:"coordinator,omitempty"`
	Applicants         []*Applicant    `json:"applicants,omitempty"`
	TeamMembers        []string        `json:"team_members,omitempty"`
	RemovedMembers     []string        `json:"removed_members,omitempty"`
	WorkspaceChannel   string          `json:"workspace_channel,omitempty"`
	Status             CompositeStatus `json:"status"`
	RewardsDistributed bool            `json:"rewards_distributed"`
	Creator            string          `json:"creator"`
	Schema             string          `json:"schema"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Channel is a named shard of the application state.
type Channel struct {
	Name         string                    `json:"name"`
	Participants map[string]time.Time      `json:"participants"`
	Tasks        map[string]*Task          `json:"tasks"`
	Proposals    map[string]*Proposal      `json:"proposals"`
	Composites   map[string]*CompositeTask `json:"composite_tasks"`
	Skills       map[string]*SkillsProfile `json:"node_skills"`
	Tools        map[string]*CommonTool    `json:"common_tools"`
	Archived     bool                      `json:"archived"`
	ArchivedAt   *time.Time                `json:"archived_at,omitempty"`
	SplitFrom    string                    `json:"split_from,omitempty"`
	SplitInto    []string                  `json:"split_into,omitempty"`
	MergedFrom   []string                  `json:"merged_from,omitempty"`
	MergedInto   string                    `json:"merged_into,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// Global holds the network-wide registries replicated on the global topic.
type Global struct {
	Nodes                 map[string]*NodeInfo         `json:"nodes"`
	ValidatorSet          []string                     `json:"validator_set"`
	ValidatorSetUpdatedAt time.Time                    `json:"validator_set_updated_at"`
	PendingOperations     map[string]*PendingOperation `json:"pending_operations"`
	ExecutionLog          []*LogEntry                  `json:"execution_log"`
	ExecutionResults      map[string]*ExecutionResult  `json:"execution_results"`
	Nullifiers            map[string]map[string]bool   `json:"nullifiers"`
	ConfigVersion         uint64                       `json:"config_version"`
	ConfigUpdatedAt       time.Time                    `json:"config_updated_at"`
}

// State is the full replicated view of one node.
type State struct {
	Channels map[string]*Channel `json:"channels"`
	Global   *Global             `json:"global"`
}

// NewState returns an empty state with initialized registries.
func NewState() *State {
	return &State{
		Channels: make(map[string]*Channel),
		Global: &Global{
			Nodes:             make(map[string]*NodeInfo),
			PendingOperations: make(map[string]*PendingOperation),
			ExecutionLog:      []*LogEntry{},
			ExecutionResults:  make(map[string]*ExecutionResult),
			Nullifiers:        make(map[string]map[string]bool),
			ConfigVersion:     1,
		},
	}
}

// NewChannel returns an empty channel shard.
func NewChannel(name string, now time.Time) *Channel {
	return &Channel{
		Name:         name,
		Participants: make(map[string]time.Time),
		Tasks:        make(map[string]*Task),
		Proposals:    make(map[string]*Proposal),
		Composites:   make(map[string]*CompositeTask),
		Skills:       make(map[string]*SkillsProfile),
		Tools:        make(map[string]*CommonTool),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
