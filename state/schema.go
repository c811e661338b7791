package state

// Recognized record schemas. Every record names the schema it was written
// under; local writes fail validation on a mismatch, and records that fail
// validation on arrival are dropped before they touch the local replica.
const (
	SchemaTaskV1      = "task_v1"
	SchemaAuctionV1   = "task_auction_v1"
	SchemaProposalV1  = "proposal_v1"
	SchemaCompositeV1 = "composite_v1"
)

// KnownSchema reports whether this build understands the schema name.
func KnownSchema(name string) bool {
	switch name {
	case SchemaTaskV1, SchemaAuctionV1, SchemaProposalV1, SchemaCompositeV1:
		return true
	}
	return false
}

// ValidateTask checks a task record before it is written locally.
func ValidateTask(t *Task) error {
	if t.ID == "" {
		return Validationf("task is missing an id")
	}
	if t.Title == "" {
		return Validationf("task %s is missing a title", t.ID)
	}
	if t.Creator == "" {
		return Validationf("task %s is missing a creator", t.ID)
	}
	switch t.Status {
	case TaskOpen, TaskClaimed, TaskInProgress, TaskCompleted, TaskCancelled:
	default:
		return Validationf("task %s has unknown status %q", t.ID, t.Status)
	}
	switch t.Schema {
	case SchemaTaskV1:
		if t.Reward < 0 {
			return Validationf("task %s reward must not be negative, got %d", t.ID, t.Reward)
		}
		if t.Auction != nil {
			return Validationf("task %s carries an auction under schema %s", t.ID, t.Schema)
		}
	case SchemaAuctionV1:
		if t.Auction == nil {
			return Validationf("task %s is missing its auction under schema %s", t.ID, t.Schema)
		}
		if t.Auction.MaxReward <= 0 {
			return Validationf("task %s auction max reward must be positive", t.ID)
		}
	default:
		return Validationf("task %s has unknown schema %q", t.ID, t.Schema)
	}
	return nil
}

// ValidateBid checks a bid against the auction it targets.
func ValidateBid(t *Task, bidder string, b *Bid) error {
	if t.Auction == nil {
		return Validationf("task %s is not auctioned", t.ID)
	}
	if t.Auction.Status != AuctionOpen {
		return Conflictf("auction on task %s is %s", t.ID, t.Auction.Status)
	}
	if b.Amount <= 0 || b.Amount > t.Auction.MaxReward {
		return Validationf("bid amount %d outside (0, %d]", b.Amount, t.Auction.MaxReward)
	}
	if b.EstimatedDays < 1 {
		return Validationf("bid estimate must be at least one day")
	}
	if bidder == t.Creator {
		return Authorizationf("creator cannot bid on their own task")
	}
	return nil
}

// ValidateProposal checks a proposal record before it is written locally.
func ValidateProposal(p *Proposal) error {
	if p.ID == "" {
		return Validationf("proposal is missing an id")
	}
	if p.Title == "" {
		return Validationf("proposal %s is missing a title", p.ID)
	}
	if p.Proposer == "" {
		return Validationf("proposal %s is missing a proposer", p.ID)
	}
	if p.Schema != SchemaProposalV1 {
		return Validationf("proposal %s has unknown schema %q", p.ID, p.Schema)
	}
	switch p.Type {
	case ProposalGeneric, ProposalConfigChange, ProposalNetworkOp, ProposalCodeUpgrade, ProposalCommand:
	default:
		return Validationf("proposal %s has unknown type %q", p.ID, p.Type)
	}
	if executiveType(p.Type) && p.Command == nil && len(p.Params) == 0 {
		return Validationf("proposal %s of type %s needs a command or params", p.ID, p.Type)
	}
	if p.Type == ProposalConfigChange && len(p.Params) == 0 {
		return Validationf("proposal %s of type %s needs a params patch", p.ID, p.Type)
	}
	return nil
}

// executiveType reports whether approval routes through validator
// ratification instead of taking effect directly. Generic and config change
// proposals settle in place; only operations that act on the network go
// through the validator set.
func executiveType(t ProposalType) bool {
	switch t {
	case ProposalNetworkOp, ProposalCodeUpgrade, ProposalCommand:
		return true
	}
	return false
}

// ExecutiveProposal reports whether p requires ratification after approval.
func ExecutiveProposal(p *Proposal) bool {
	return executiveType(p.Type)
}

// ValidateComposite checks a composite task record before local write.
func ValidateComposite(c *CompositeTask) error {
	if c.ID == "" {
		return Validationf("composite task is missing an id")
	}
	if c.Title == "" {
		return Validationf("composite task %s is missing a title", c.ID)
	}
	if c.Schema != SchemaCompositeV1 {
		return Validationf("composite task %s has unknown schema %q", c.ID, c.Schema)
	}
	if len(c.SubTasks) == 0 {
		return Validationf("composite task %s has no sub-tasks", c.ID)
	}
	if c.MaxTeamSize < 1 {
		return Validationf("composite task %s max team size must be positive", c.ID)
	}
	seen := make(map[string]bool, len(c.SubTasks))
	for _, st := range c.SubTasks {
		if st.ID == "" {
			return Validationf("composite task %s has a sub-task without an id", c.ID)
		}
		if seen[st.ID] {
			return Validationf("composite task %s repeats sub-task id %s", c.ID, st.ID)
		}
		seen[st.ID] = true
		if st.Reward < 0 {
			return Validationf("sub-task %s reward must not be negative", st.ID)
		}
	}
	return nil
}
