package raft

import (
	"slices"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
)

// Progress is the leader's view of one follower. Match is the highest index
// known to be replicated, Next the next index to send.
type Progress struct {
	Match        uint64
	Next         uint64
	RecentActive bool
}

func (pr *Progress) maybeUpdate(n uint64) bool {
	updated := false
	if pr.Match < n {
		pr.Match = n
		updated = true
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

// maybeDecrTo moves Next back after a rejection of the append at index
// rejected. hint is the follower's last index, which lets the leader skip the
// whole missing range in one step.
func (pr *Progress) maybeDecrTo(rejected, hint uint64) bool {
	if rejected <= pr.Match {
		// stale rejection
		return false
	}
	pr.Next = max(min(rejected, hint+1), pr.Match+1)
	return true
}

// bcastAppend sends every follower its pending entries, or an empty append
// carrying the commit index when it is up to date.
func (r *Raft) bcastAppend() {
	for _, id := range r.voters {
		if id != r.id {
			r.sendAppend(id, true)
		}
	}
}

// sendAppend sends the entries from pr.Next onward, or a snapshot when those
// entries were compacted away. With sendIfEmpty it doubles as a heartbeat.
func (r *Raft) sendAppend(to string, sendIfEmpty bool) {
	pr := r.prs[to]
	prevIndex := pr.Next - 1
	prevTerm, errt := r.raftLog.term(prevIndex)
	ents, erre := r.raftLog.entries(pr.Next, r.maxEntriesPerMsg)
	if len(ents) == 0 && erre == nil && errt == nil && !sendIfEmpty {
		return
	}

	if errt != nil || erre != nil {
		if !isCompacted(errt) && !isCompacted(erre) {
			r.logger.Error("failed to read entries for follower", "peer", to, "next", pr.Next, "term_error", errt, "entries_error", erre)
			return
		}
		r.sendSnapshot(to, pr)
		return
	}

	r.send(raftpb.Message{
		Type:    raftpb.MsgApp,
		To:      to,
		Index:   prevIndex,
		LogTerm: prevTerm,
		Entries: ents,
		Commit:  r.raftLog.committed,
	})
	if n := len(ents); n > 0 {
		// Optimistic: a lost message surfaces as a rejection and rewinds Next.
		pr.Next = ents[n-1].Index + 1
	}
}

func (r *Raft) sendSnapshot(to string, pr *Progress) {
	snap, err := r.raftLog.snapshot()
	if err != nil {
		r.logger.Error("failed to load snapshot for follower", "peer", to, "error", err)
		return
	}
	if raftpb.IsEmptySnap(snap) {
		r.logger.Error("follower needs compacted entries but no snapshot exists", "peer", to, "next", pr.Next)
		return
	}
	r.logger.Info("sending snapshot", "peer", to, "index", snap.Metadata.Index, "term", snap.Metadata.Term)
	r.send(raftpb.Message{Type: raftpb.MsgSnap, To: to, Snapshot: &snap})
	pr.Next = snap.Metadata.Index + 1
}

func (r *Raft) handleAppendEntries(m raftpb.Message) error {
	if m.Index < r.raftLog.committed {
		r.send(raftpb.Message{Type: raftpb.MsgAppResp, To: m.From, Index: r.raftLog.committed})
		return nil
	}
	lastNew, ok, err := r.raftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, m.Entries)
	if err != nil {
		return err
	}
	if ok {
		r.send(raftpb.Message{Type: raftpb.MsgAppResp, To: m.From, Index: lastNew})
		return nil
	}
	r.logger.Debug("rejected append", "leader", m.From, "prev_index", m.Index, "prev_term", m.LogTerm, "last_index", r.raftLog.lastIndex())
	r.send(raftpb.Message{
		Type:       raftpb.MsgAppResp,
		To:         m.From,
		Index:      m.Index,
		Reject:     true,
		RejectHint: r.raftLog.lastIndex(),
	})
	return nil
}

func (r *Raft) handleSnapshot(m raftpb.Message) {
	s := *m.Snapshot
	if r.restore(s) {
		r.logger.Info("installed snapshot", "index", s.Metadata.Index, "term", s.Metadata.Term)
		r.send(raftpb.Message{Type: raftpb.MsgAppResp, To: m.From, Index: r.raftLog.lastIndex()})
		return
	}
	r.logger.Debug("ignored snapshot", "index", s.Metadata.Index, "commit", r.raftLog.committed)
	r.send(raftpb.Message{Type: raftpb.MsgAppResp, To: m.From, Index: r.raftLog.committed})
}

// restore installs s unless it is already covered by the local log.
func (r *Raft) restore(s raftpb.Snapshot) bool {
	if s.Metadata.Index <= r.raftLog.committed {
		return false
	}
	if r.raftLog.matchTerm(s.Metadata.Index, s.Metadata.Term) {
		r.raftLog.commitTo(s.Metadata.Index)
		return false
	}
	r.raftLog.restore(s)
	if len(s.Metadata.ConfState.Voters) > 0 {
		voters := slices.Clone(s.Metadata.ConfState.Voters)
		slices.Sort(voters)
		r.voters = voters
	}
	r.prs = make(map[string]*Progress, len(r.voters))
	for _, id := range r.voters {
		r.prs[id] = &Progress{Next: r.raftLog.lastIndex() + 1}
	}
	return true
}

func (r *Raft) handleAppendResponse(m raftpb.Message) {
	pr, ok := r.prs[m.From]
	if !ok {
		return
	}
	pr.RecentActive = true

	if m.Reject {
		if pr.maybeDecrTo(m.Index, m.RejectHint) {
			r.logger.Debug("follower rejected append, backing off", "peer", m.From, "rejected", m.Index, "hint", m.RejectHint, "next", pr.Next)
			r.sendAppend(m.From, false)
		}
		return
	}

	if pr.maybeUpdate(m.Index) {
		if r.maybeCommit() {
			r.bcastAppend()
		} else if pr.Next <= r.raftLog.lastIndex() {
			r.sendAppend(m.From, false)
		}
	}
}

// maybeCommit advances the commit index to the highest index stored on a
// quorum, but only if that entry belongs to the current term. Entries from
// earlier terms commit indirectly.
func (r *Raft) maybeCommit() bool {
	matches := make([]uint64, 0, len(r.voters))
	for _, id := range r.voters {
		matches = append(matches, r.prs[id].Match)
	}
	slices.Sort(matches)
	mci := matches[len(matches)-r.quorum()]
	if mci <= r.raftLog.committed {
		return false
	}
	t, err := r.raftLog.term(mci)
	if err != nil || t != r.term {
		return false
	}
	r.raftLog.commitTo(mci)
	r.logger.Trace("commit advanced", "commit", mci)
	return true
}
