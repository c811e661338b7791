package state

import (
	"sort"
	"time"

	"github.com/synapse-ng/synapse-ng/encoding/canonical"
)

// Merge rules, applied pairwise and deterministically so every replica
// converges regardless of delivery order:
//
//   - Incoming records are schema-validated first; a record that fails its
//     schema is dropped without touching the local replica.
//   - Records are last-write-wins on updated_at. Equal timestamps fall back
//     to the lexicographic order of the records' canonical hashes, which is
//     arbitrary but identical on every node.
//   - Terminal lifecycle states are sticky: a record that reached a terminal
//     status never reverts to an earlier one.
//   - A double claim on a task resolves to the EARLIEST claim, with the
//     lexicographically smaller assignee ID breaking exact ties.
//   - Votes, bids, ratifications, participants, and nullifiers merge as set
//     unions. Anonymous votes deduplicate on nullifier.
//   - The execution log merges as a union keyed by proposal and is then
//     resequenced in canonical (appended_at, proposal_id) order.

// MergeState folds an incoming remote state into the local one. Returns true
// when anything changed locally.
func MergeState(local, incoming *State) bool {
	changed := false
	for name, in := range incoming.Channels {
		lc, ok := local.Channels[name]
		if !ok {
			cp := &Channel{}
			mustCopy(in, cp)
			local.Channels[name] = cp
			changed = true
			continue
		}
		if MergeChannel(lc, in) {
			changed = true
		}
	}
	if incoming.Global != nil && MergeGlobal(local.Global, incoming.Global) {
		changed = true
	}
	return changed
}

// MergeChannel folds an incoming channel shard into the local one.
func MergeChannel(local, in *Channel) bool {
	before := mustHash(local)

	for id, joined := range in.Participants {
		if cur, ok := local.Participants[id]; !ok || joined.Before(cur) {
			local.Participants[id] = joined
		}
	}
	for id, t := range in.Tasks {
		if err := ValidateTask(t); err != nil {
			log.WithError(err).WithField("task", id).Debug("Rejecting task during merge")
			continue
		}
		local.Tasks[id] = mergeTask(local.Tasks[id], t)
	}
	for id, p := range in.Proposals {
		if err := ValidateProposal(p); err != nil {
			log.WithError(err).WithField("proposal", id).Debug("Rejecting proposal during merge")
			continue
		}
		local.Proposals[id] = mergeProposal(local.Proposals[id], p)
	}
	for id, c := range in.Composites {
		if err := ValidateComposite(c); err != nil {
			log.WithError(err).WithField("composite", id).Debug("Rejecting composite task during merge")
			continue
		}
		local.Composites[id] = mergeComposite(local.Composites[id], c)
	}
	for id, sk := range in.Skills {
		if cur, ok := local.Skills[id]; !ok || newerWins(sk.UpdatedAt, cur.UpdatedAt, sk, cur) {
			cp := &SkillsProfile{}
			mustCopy(sk, cp)
			local.Skills[id] = cp
		}
	}
	for id, tool := range in.Tools {
		local.Tools[id] = mergeTool(local.Tools[id], tool)
	}

	// Archival is one-way.
	if in.Archived && !local.Archived {
		local.Archived = true
		local.ArchivedAt = in.ArchivedAt
	}
	if local.SplitFrom == "" {
		local.SplitFrom = in.SplitFrom
	}
	local.SplitInto = unionStrings(local.SplitInto, in.SplitInto)
	local.MergedFrom = unionStrings(local.MergedFrom, in.MergedFrom)
	if local.MergedInto == "" {
		local.MergedInto = in.MergedInto
	}
	if in.UpdatedAt.After(local.UpdatedAt) {
		local.UpdatedAt = in.UpdatedAt
	}

	return mustHash(local) != before
}

// MergeGlobal folds incoming global registries into the local ones.
func MergeGlobal(local, in *Global) bool {
	before := mustHash(local)

	for id, n := range in.Nodes {
		cur, ok := local.Nodes[id]
		if !ok {
			cp := &NodeInfo{}
			mustCopy(n, cp)
			local.Nodes[id] = cp
			continue
		}
		if n.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = n.LastSeen
		}
		if newerWins(n.UpdatedAt, cur.UpdatedAt, n, cur) {
			seen := cur.LastSeen
			mustCopy(n, cur)
			if seen.After(cur.LastSeen) {
				cur.LastSeen = seen
			}
		}
	}

	if in.ValidatorSetUpdatedAt.After(local.ValidatorSetUpdatedAt) {
		local.ValidatorSet = append([]string(nil), in.ValidatorSet...)
		local.ValidatorSetUpdatedAt = in.ValidatorSetUpdatedAt
	}

	for id, op := range in.PendingOperations {
		cur, ok := local.PendingOperations[id]
		if !ok {
			cp := &PendingOperation{}
			mustCopy(op, cp)
			local.PendingOperations[id] = cp
			continue
		}
		for validator, at := range op.Ratifications {
			if prev, ok := cur.Ratifications[validator]; !ok || at.Before(prev) {
				cur.Ratifications[validator] = at
			}
		}
	}

	mergeExecutionLog(local, in.ExecutionLog)

	for proposalID, res := range in.ExecutionResults {
		if cur, ok := local.ExecutionResults[proposalID]; !ok || res.ExecutedAt.Before(cur.ExecutedAt) {
			cp := &ExecutionResult{}
			mustCopy(res, cp)
			local.ExecutionResults[proposalID] = cp
		}
	}

	for proposalID, set := range in.Nullifiers {
		cur, ok := local.Nullifiers[proposalID]
		if !ok {
			cur = make(map[string]bool)
			local.Nullifiers[proposalID] = cur
		}
		for nullifier := range set {
			cur[nullifier] = true
		}
	}

	if in.ConfigVersion > local.ConfigVersion {
		local.ConfigVersion = in.ConfigVersion
		local.ConfigUpdatedAt = in.ConfigUpdatedAt
	}

	return mustHash(local) != before
}

// AppendLogEntry adds a ratified command to the log and resequences it. The
// caller assigns no sequence; ordering is fully determined by the canonical
// sort.
func AppendLogEntry(g *Global, entry *LogEntry) {
	mergeExecutionLog(g, []*LogEntry{entry})
}

func mergeExecutionLog(g *Global, incoming []*LogEntry) {
	byProposal := make(map[string]*LogEntry, len(g.ExecutionLog))
	for _, e := range g.ExecutionLog {
		byProposal[e.ProposalID] = e
	}
	for _, e := range incoming {
		cur, ok := byProposal[e.ProposalID]
		if !ok {
			cp := &LogEntry{}
			mustCopy(e, cp)
			byProposal[e.ProposalID] = cp
			continue
		}
		// Same command ratified on both sides; keep the earlier
		// ratification time and the union of ratifiers.
		if e.AppendedAt.Before(cur.AppendedAt) {
			cur.AppendedAt = e.AppendedAt
		}
		cur.Ratifiers = unionStrings(cur.Ratifiers, e.Ratifiers)
	}

	merged := make([]*LogEntry, 0, len(byProposal))
	for _, e := range byProposal {
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].AppendedAt.Equal(merged[j].AppendedAt) {
			return merged[i].AppendedAt.Before(merged[j].AppendedAt)
		}
		return merged[i].ProposalID < merged[j].ProposalID
	})
	for i, e := range merged {
		e.Sequence = uint64(i + 1)
	}
	g.ExecutionLog = merged
}

func mergeTask(local, in *Task) *Task {
	if local == nil {
		cp := &Task{}
		mustCopy(in, cp)
		return cp
	}

	winner := local
	switch {
	case local.Assignee != "" && in.Assignee != "" && local.Assignee != in.Assignee:
		// Double claim: the earliest claim stands.
		if in.UpdatedAt.Before(local.UpdatedAt) ||
			(in.UpdatedAt.Equal(local.UpdatedAt) && in.Assignee < local.Assignee) {
			winner = in
		}
	case terminalTask(local.Status) != terminalTask(in.Status):
		if terminalTask(in.Status) {
			winner = in
		}
	default:
		if newerWins(in.UpdatedAt, local.UpdatedAt, in, local) {
			winner = in
		}
	}

	out := &Task{}
	mustCopy(winner, out)
	out.Auction = mergeAuction(local.Auction, in.Auction, out.Auction)
	return out
}

// mergeAuction unions bids from both replicas into the base auction taken
// from the winning task record. Finalization is sticky.
func mergeAuction(a, b, base *Auction) *Auction {
	if base == nil {
		return nil
	}
	for _, side := range []*Auction{a, b} {
		if side == nil {
			continue
		}
		for bidder, bid := range side.Bids {
			// Sealed bids are immutable; the earliest wins a conflict.
			if cur, ok := base.Bids[bidder]; !ok || bid.Timestamp.Before(cur.Timestamp) {
				cp := &Bid{}
				mustCopy(bid, cp)
				base.Bids[bidder] = cp
			}
		}
		if side.Status == AuctionFinalized && base.Status != AuctionFinalized {
			base.Status = AuctionFinalized
			base.Winner = side.Winner
			base.WinningBid = side.WinningBid
		}
	}
	return base
}

func mergeProposal(local, in *Proposal) *Proposal {
	if local == nil {
		cp := &Proposal{}
		mustCopy(in, cp)
		return cp
	}

	winner := local
	lr, ir := proposalRank(local.Status), proposalRank(in.Status)
	switch {
	case ir > lr:
		winner = in
	case lr > ir:
		winner = local
	default:
		if newerWins(in.UpdatedAt, local.UpdatedAt, in, local) {
			winner = in
		}
	}

	out := &Proposal{}
	mustCopy(winner, out)

	for _, side := range []*Proposal{local, in} {
		for voter, v := range side.Votes {
			if cur, ok := out.Votes[voter]; !ok || v.Timestamp.After(cur.Timestamp) {
				cp := &Vote{}
				mustCopy(v, cp)
				out.Votes[voter] = cp
			}
		}
	}

	seen := make(map[string]bool)
	var anon []*AnonymousVote
	for _, side := range []*Proposal{local, in} {
		for _, av := range side.AnonymousVotes {
			if seen[av.Nullifier] {
				continue
			}
			seen[av.Nullifier] = true
			cp := &AnonymousVote{}
			mustCopy(av, cp)
			anon = append(anon, cp)
		}
	}
	sort.Slice(anon, func(i, j int) bool {
		if !anon[i].Timestamp.Equal(anon[j].Timestamp) {
			return anon[i].Timestamp.Before(anon[j].Timestamp)
		}
		return anon[i].Nullifier < anon[j].Nullifier
	})
	out.AnonymousVotes = anon
	return out
}

func mergeComposite(local, in *CompositeTask) *CompositeTask {
	if local == nil {
		cp := &CompositeTask{}
		mustCopy(in, cp)
		return cp
	}

	winner := local
	lr, ir := compositeRank(local.Status), compositeRank(in.Status)
	switch {
	case ir > lr:
		winner = in
	case lr > ir:
		winner = local
	default:
		if newerWins(in.UpdatedAt, local.UpdatedAt, in, local) {
			winner = in
		}
	}

	out := &CompositeTask{}
	mustCopy(winner, out)

	// Applicants: union keyed by node, earliest candidacy wins.
	applicants := make(map[string]*Applicant)
	for _, side := range []*CompositeTask{local, in} {
		for _, a := range side.Applicants {
			if cur, ok := applicants[a.NodeID]; !ok || a.Timestamp.Before(cur.Timestamp) {
				cp := &Applicant{}
				mustCopy(a, cp)
				applicants[a.NodeID] = cp
			}
		}
	}
	out.Applicants = out.Applicants[:0]
	for _, a := range applicants {
		out.Applicants = append(out.Applicants, a)
	}
	sort.Slice(out.Applicants, func(i, j int) bool {
		if !out.Applicants[i].Timestamp.Equal(out.Applicants[j].Timestamp) {
			return out.Applicants[i].Timestamp.Before(out.Applicants[j].Timestamp)
		}
		return out.Applicants[i].NodeID < out.Applicants[j].NodeID
	})

	// Membership is a grow-only set with tombstones.
	out.RemovedMembers = unionStrings(local.RemovedMembers, in.RemovedMembers)
	members := unionStrings(local.TeamMembers, in.TeamMembers)
	out.TeamMembers = out.TeamMembers[:0]
	for _, m := range members {
		if !containsString(out.RemovedMembers, m) {
			out.TeamMembers = append(out.TeamMembers, m)
		}
	}

	// Sub-tasks merge by ID; completion is sticky.
	subs := make(map[string]*SubTask)
	var order []string
	for _, side := range []*CompositeTask{winner, local, in} {
		for _, st := range side.SubTasks {
			cur, ok := subs[st.ID]
			if !ok {
				cp := &SubTask{}
				mustCopy(st, cp)
				subs[st.ID] = cp
				order = append(order, st.ID)
				continue
			}
			if subRank(st.Status) > subRank(cur.Status) {
				mustCopy(st, cur)
			}
		}
	}
	out.SubTasks = out.SubTasks[:0]
	for _, id := range order {
		out.SubTasks = append(out.SubTasks, subs[id])
	}

	out.RewardsDistributed = local.RewardsDistributed || in.RewardsDistributed
	return out
}

func mergeTool(local, in *CommonTool) *CommonTool {
	if local == nil {
		cp := &CommonTool{}
		mustCopy(in, cp)
		return cp
	}
	winner := local
	if in.Status == ToolDeprecated && local.Status != ToolDeprecated {
		winner = in
	} else if local.Status == in.Status && newerWins(in.UpdatedAt, local.UpdatedAt, in, local) {
		winner = in
	}
	out := &CommonTool{}
	mustCopy(winner, out)
	// Payments only accumulate; the larger count reflects more debits.
	if local.PaymentsMade > out.PaymentsMade {
		out.PaymentsMade = local.PaymentsMade
		out.LastPaymentAt = local.LastPaymentAt
	}
	if in.PaymentsMade > out.PaymentsMade {
		out.PaymentsMade = in.PaymentsMade
		out.LastPaymentAt = in.LastPaymentAt
	}
	return out
}

func terminalTask(s TaskStatus) bool {
	return s == TaskCompleted || s == TaskCancelled
}

func proposalRank(s ProposalStatus) int {
	switch s {
	case ProposalOpen:
		return 0
	case ProposalClosed:
		return 1
	case ProposalPendingRatification:
		return 2
	case ProposalExecuted, ProposalExecutionFailed:
		return 3
	case ProposalArchived:
		return 4
	}
	return 0
}

func compositeRank(s CompositeStatus) int {
	switch s {
	case CompositeOpen:
		return 0
	case CompositeForming:
		return 1
	case CompositeInProgress:
		return 2
	case CompositeCompleted, CompositeCancelled:
		return 3
	}
	return 0
}

func subRank(s SubTaskStatus) int {
	switch s {
	case SubTaskPending:
		return 0
	case SubTaskInProgress:
		return 1
	case SubTaskCompleted:
		return 2
	}
	return 0
}

// newerWins reports whether the incoming record beats the current one under
// LWW with the canonical-hash tiebreak.
func newerWins(inAt, curAt time.Time, in, cur interface{}) bool {
	if !inAt.Equal(curAt) {
		return inAt.After(curAt)
	}
	return mustHash(in) < mustHash(cur)
}

func mustHash(v interface{}) string {
	h, err := canonical.Hash(v)
	if err != nil {
		log.WithError(err).Fatal("State is not hashable")
	}
	return h
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
