package raft

import (
	"errors"
	"fmt"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/alexandrecolauto/lodestone/server/pkg/storage"
)

// Storage is the read side of the durable log. Writes happen outside the state
// machine, driven by Ready.
type Storage interface {
	InitialState() (raftpb.HardState, raftpb.ConfState, error)
	Entries(lo, hi uint64) ([]raftpb.Entry, error)
	Term(index uint64) (uint64, error)
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	Snapshot() (raftpb.Snapshot, error)
}

// unstable holds entries and a snapshot that were accepted by the state
// machine but not yet persisted. entries[i] has index offset+i.
type unstable struct {
	snapshot *raftpb.Snapshot
	entries  []raftpb.Entry
	offset   uint64
}

func (u *unstable) maybeFirstIndex() (uint64, bool) {
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index + 1, true
	}
	return 0, false
}

func (u *unstable) maybeLastIndex() (uint64, bool) {
	if l := len(u.entries); l != 0 {
		return u.offset + uint64(l) - 1, true
	}
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index, true
	}
	return 0, false
}

func (u *unstable) maybeTerm(i uint64) (uint64, bool) {
	if i < u.offset {
		if u.snapshot != nil && u.snapshot.Metadata.Index == i {
			return u.snapshot.Metadata.Term, true
		}
		return 0, false
	}
	last, ok := u.maybeLastIndex()
	if !ok || i > last {
		return 0, false
	}
	return u.entries[i-u.offset].Term, true
}

func (u *unstable) stableTo(i, t uint64) {
	gt, ok := u.maybeTerm(i)
	if !ok {
		return
	}
	// An entry with a different term means the persisted batch was replaced
	// by a newer append in the meantime.
	if gt == t && i >= u.offset {
		u.entries = u.entries[i+1-u.offset:]
		u.offset = i + 1
	}
}

func (u *unstable) stableSnapTo(i uint64) {
	if u.snapshot != nil && u.snapshot.Metadata.Index == i {
		u.snapshot = nil
	}
}

func (u *unstable) restore(s raftpb.Snapshot) {
	u.offset = s.Metadata.Index + 1
	u.entries = nil
	u.snapshot = &s
}

func (u *unstable) truncateAndAppend(ents []raftpb.Entry) {
	after := ents[0].Index
	switch {
	case after == u.offset+uint64(len(u.entries)):
		u.entries = append(u.entries, ents...)
	case after <= u.offset:
		u.offset = after
		u.entries = append([]raftpb.Entry(nil), ents...)
	default:
		kept := append([]raftpb.Entry(nil), u.entries[:after-u.offset]...)
		u.entries = append(kept, ents...)
	}
}

func (u *unstable) slice(lo, hi uint64) []raftpb.Entry {
	return u.entries[lo-u.offset : hi-u.offset]
}

// RaftLog is the consensus view of the log: the persisted part in Storage plus
// the unstable tail, with the commit index.
type RaftLog struct {
	storage   Storage
	unstable  unstable
	committed uint64
}

func newRaftLog(s Storage) (*RaftLog, error) {
	first, err := s.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := s.LastIndex()
	if err != nil {
		return nil, err
	}
	return &RaftLog{
		storage:   s,
		unstable:  unstable{offset: last + 1},
		committed: first - 1,
	}, nil
}

func (l *RaftLog) firstIndex() uint64 {
	if i, ok := l.unstable.maybeFirstIndex(); ok {
		return i
	}
	i, _ := l.storage.FirstIndex()
	return i
}

func (l *RaftLog) lastIndex() uint64 {
	if i, ok := l.unstable.maybeLastIndex(); ok {
		return i
	}
	i, _ := l.storage.LastIndex()
	return i
}

func (l *RaftLog) term(i uint64) (uint64, error) {
	if i == 0 {
		return 0, nil
	}
	if i < l.firstIndex()-1 {
		return 0, storage.ErrCompacted
	}
	if i > l.lastIndex() {
		return 0, storage.ErrOutOfRange
	}
	if t, ok := l.unstable.maybeTerm(i); ok {
		return t, nil
	}
	return l.storage.Term(i)
}

func (l *RaftLog) lastTerm() uint64 {
	t, err := l.term(l.lastIndex())
	if err != nil {
		return 0
	}
	return t
}

func (l *RaftLog) matchTerm(i, term uint64) bool {
	t, err := l.term(i)
	if err != nil {
		return false
	}
	return t == term
}

func (l *RaftLog) isUpToDate(lasti, term uint64) bool {
	lastTerm := l.lastTerm()
	return term > lastTerm || (term == lastTerm && lasti >= l.lastIndex())
}

// findConflict returns the index of the first entry that is missing or has a
// different term locally, or 0 when every entry is already present.
func (l *RaftLog) findConflict(ents []raftpb.Entry) uint64 {
	for _, ne := range ents {
		if !l.matchTerm(ne.Index, ne.Term) {
			return ne.Index
		}
	}
	return 0
}

// maybeAppend applies an append-entries request. It returns the index of the
// last entry known to match the leader, or ok=false if prevIndex/prevTerm do
// not match.
func (l *RaftLog) maybeAppend(prevIndex, prevTerm, committed uint64, ents []raftpb.Entry) (uint64, bool, error) {
	if !l.matchTerm(prevIndex, prevTerm) {
		return 0, false, nil
	}
	lastNew := prevIndex + uint64(len(ents))
	ci := l.findConflict(ents)
	switch {
	case ci == 0:
	case ci <= l.committed:
		return 0, false, fmt.Errorf("%w: entry %d conflicts with committed entry (committed %d)", ErrProtocolViolation, ci, l.committed)
	default:
		if err := l.append(ents[ci-(prevIndex+1):]...); err != nil {
			return 0, false, err
		}
	}
	l.commitTo(min(committed, lastNew))
	return lastNew, true, nil
}

func (l *RaftLog) append(ents ...raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	if after := ents[0].Index - 1; after < l.committed {
		return fmt.Errorf("%w: append after %d is below committed %d", ErrProtocolViolation, after, l.committed)
	}
	l.unstable.truncateAndAppend(ents)
	return nil
}

func (l *RaftLog) commitTo(tocommit uint64) {
	if l.committed < tocommit {
		l.committed = min(tocommit, l.lastIndex())
	}
}

// entries returns up to maxCount entries starting at lo.
func (l *RaftLog) entries(lo uint64, maxCount int) ([]raftpb.Entry, error) {
	last := l.lastIndex()
	if lo > last {
		return nil, nil
	}
	hi := last + 1
	if maxCount > 0 && hi-lo > uint64(maxCount) {
		hi = lo + uint64(maxCount)
	}
	return l.slice(lo, hi)
}

func (l *RaftLog) slice(lo, hi uint64) ([]raftpb.Entry, error) {
	if lo < l.firstIndex() {
		return nil, storage.ErrCompacted
	}
	if hi > l.lastIndex()+1 {
		return nil, storage.ErrOutOfRange
	}
	if lo == hi {
		return nil, nil
	}
	var ents []raftpb.Entry
	if lo < l.unstable.offset {
		stored, err := l.storage.Entries(lo, min(hi, l.unstable.offset))
		if err != nil {
			return nil, err
		}
		ents = stored
	}
	if hi > l.unstable.offset {
		u := l.unstable.slice(max(lo, l.unstable.offset), hi)
		if len(ents) > 0 {
			combined := make([]raftpb.Entry, 0, len(ents)+len(u))
			combined = append(combined, ents...)
			ents = append(combined, u...)
		} else {
			ents = append([]raftpb.Entry(nil), u...)
		}
	}
	return ents, nil
}

func (l *RaftLog) snapshot() (raftpb.Snapshot, error) {
	if l.unstable.snapshot != nil {
		return *l.unstable.snapshot, nil
	}
	return l.storage.Snapshot()
}

func (l *RaftLog) restore(s raftpb.Snapshot) {
	l.committed = s.Metadata.Index
	l.unstable.restore(s)
}

func (l *RaftLog) hasPendingSnapshot() bool {
	return l.unstable.snapshot != nil
}

func isCompacted(err error) bool {
	return errors.Is(err, storage.ErrCompacted)
}
