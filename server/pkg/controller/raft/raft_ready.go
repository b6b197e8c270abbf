package raft

import (
	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
)

// SoftState is volatile state that does not need to be persisted.
type SoftState struct {
	Lead  string
	State State
}

// Ready is a batch of work for the owner of a Raft. Snapshot, then Entries,
// then HardState must be durable before Messages are sent and Advance is
// called.
type Ready struct {
	// SoftState is nil when unchanged since the previous Ready.
	SoftState *SoftState
	// HardState is empty when unchanged since the previous Ready.
	HardState raftpb.HardState
	Entries   []raftpb.Entry
	Snapshot  raftpb.Snapshot
	Messages  []raftpb.Message
}

func (r *Raft) HasReady() bool {
	if r.softState() != r.prevSoftState {
		return true
	}
	if hs := r.hardState(); !raftpb.IsEmptyHardState(hs) && !hs.Equal(r.prevHardState) {
		return true
	}
	if r.raftLog.hasPendingSnapshot() {
		return true
	}
	return len(r.raftLog.unstable.entries) > 0 || len(r.msgs) > 0
}

// Ready returns the pending batch and hands its messages to the caller. Call
// Advance with the same value once it has been processed.
func (r *Raft) Ready() Ready {
	rd := Ready{
		Entries:  append([]raftpb.Entry(nil), r.raftLog.unstable.entries...),
		Messages: r.msgs,
	}
	if ss := r.softState(); ss != r.prevSoftState {
		rd.SoftState = &ss
		r.prevSoftState = ss
	}
	if hs := r.hardState(); !hs.Equal(r.prevHardState) {
		rd.HardState = hs
		r.prevHardState = hs
	}
	if r.raftLog.unstable.snapshot != nil {
		rd.Snapshot = *r.raftLog.unstable.snapshot
	}
	r.msgs = nil
	return rd
}

// Advance marks rd's entries and snapshot as persisted.
func (r *Raft) Advance(rd Ready) {
	if n := len(rd.Entries); n > 0 {
		e := rd.Entries[n-1]
		r.raftLog.unstable.stableTo(e.Index, e.Term)
	}
	if !raftpb.IsEmptySnap(rd.Snapshot) {
		r.raftLog.unstable.stableSnapTo(rd.Snapshot.Metadata.Index)
	}
}
