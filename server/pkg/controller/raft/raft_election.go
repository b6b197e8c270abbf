package raft

import (
	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
)

func (r *Raft) campaign() {
	r.becomeCandidate()
	if r.poll(r.id, true) {
		r.becomeLeader()
		return
	}
	lastIndex := r.raftLog.lastIndex()
	lastTerm := r.raftLog.lastTerm()
	for _, id := range r.voters {
		if id == r.id {
			continue
		}
		r.send(raftpb.Message{Type: raftpb.MsgVote, To: id, Index: lastIndex, LogTerm: lastTerm})
	}
}

// poll records a vote and reports whether it completed a quorum of grants.
func (r *Raft) poll(id string, granted bool) bool {
	if _, ok := r.votes[id]; !ok {
		r.votes[id] = granted
	}
	return r.countVotes(true) >= r.quorum()
}

func (r *Raft) countVotes(granted bool) int {
	n := 0
	for _, v := range r.votes {
		if v == granted {
			n++
		}
	}
	return n
}

func (r *Raft) handleVoteRequest(m raftpb.Message) {
	// One vote per term: repeat the grant to the same candidate, refuse anyone
	// else once voted or once a leader is known.
	canVote := r.vote == m.From || (r.vote == "" && r.lead == "")
	upToDate := r.raftLog.isUpToDate(m.Index, m.LogTerm)
	if canVote && upToDate {
		r.electionElapsed = 0
		r.vote = m.From
		r.logger.Debug("granted vote", "candidate", m.From, "term", r.term)
		r.send(raftpb.Message{Type: raftpb.MsgVoteResp, To: m.From, Granted: true})
		return
	}
	r.logger.Debug("rejected vote", "candidate", m.From, "term", r.term, "voted_for", r.vote, "up_to_date", upToDate)
	r.send(raftpb.Message{Type: raftpb.MsgVoteResp, To: m.From})
}

func (r *Raft) handleVoteResponse(m raftpb.Message) {
	if r.poll(m.From, m.Granted) {
		r.becomeLeader()
		return
	}
	if r.countVotes(false) >= r.quorum() {
		r.becomeFollower(r.term, "")
	}
}
