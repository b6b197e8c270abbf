package storage

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/hashicorp/go-hclog"
)

var (
	ErrCompacted      = errors.New("requested index is unavailable due to compaction")
	ErrOutOfRange     = errors.New("requested index is out of range")
	ErrSnapOutOfDate  = errors.New("requested snapshot is older than the existing snapshot")
	ErrStorageFailure = errors.New("storage failure")
)

const DefaultSegmentBytes = 4 << 20

type Options struct {
	SegmentBytes int64
}

// Log is the durable raft log: segment files, the hard state and the latest
// snapshot. Every mutation is fsynced before it returns. Once a write fails the
// log refuses further writes; the owner is expected to halt.
type Log struct {
	mu sync.RWMutex

	dir          string
	segmentBytes int64
	logger       hclog.Logger

	segments []*LogSegment
	// ents[0] is a placeholder carrying the snapshot index and term, so the
	// first retained entry is ents[1].
	ents      []raftpb.Entry
	snapshot  raftpb.Snapshot
	hardState raftpb.HardState

	failed error
	closed bool
}

func Open(dir string, opts Options, logger hclog.Logger) (*Log, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = DefaultSegmentBytes
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, failure("create data dir", err)
	}
	l := &Log{
		dir:          dir,
		segmentBytes: opts.SegmentBytes,
		logger:       logger.Named("storage"),
		ents:         []raftpb.Entry{{}},
	}
	if err := l.loadState(); err != nil {
		return nil, err
	}
	if err := l.loadSegments(); err != nil {
		return nil, err
	}
	l.logger.Info("log opened", "dir", dir, "first", l.ents[0].Index+1, "last", l.lastIndex(),
		"term", l.hardState.Term, "commit", l.hardState.Commit)
	return l, nil
}

func failure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}

func (l *Log) loadState() error {
	payload, err := readStateFile(l.dir, snapshotFile)
	if err != nil {
		return failure("read snapshot", err)
	}
	if payload != nil {
		snap, err := decodeSnapshot(payload)
		if err != nil {
			return failure("decode snapshot", err)
		}
		l.snapshot = snap
		l.ents = []raftpb.Entry{{Index: snap.Metadata.Index, Term: snap.Metadata.Term}}
	}

	payload, err = readStateFile(l.dir, hardStateFile)
	if err != nil {
		return failure("read hard state", err)
	}
	if payload != nil {
		hs, err := decodeHardState(payload)
		if err != nil {
			return failure("decode hard state", err)
		}
		l.hardState = hs
	}
	return nil
}

func (l *Log) loadSegments() error {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return failure("list segments", err)
	}
	var bases []uint64
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".log") {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(file.Name(), ".log"), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	slices.Sort(bases)

	var loaded []raftpb.Entry
	for i, base := range bases {
		seg, entries, err := loadLogSegment(l.dir, base, i == len(bases)-1, l.logger)
		if err != nil {
			l.closeSegments()
			return failure("load segment", err)
		}
		if n := len(l.segments); n > 0 && l.segments[n-1].nextIndex != base {
			seg.Close()
			l.closeSegments()
			return failure("load segment", fmt.Errorf("segment %d does not follow segment %d", base, l.segments[n-1].baseIndex))
		}
		l.segments = append(l.segments, seg)
		loaded = append(loaded, entries...)
	}

	snapIndex, snapTerm := l.ents[0].Index, l.ents[0].Term
	consistent := true
	var retained []raftpb.Entry
	for _, e := range loaded {
		switch {
		case e.Index < snapIndex:
		case e.Index == snapIndex:
			consistent = consistent && e.Term == snapTerm
		default:
			retained = append(retained, e)
		}
	}
	if len(retained) > 0 && retained[0].Index != snapIndex+1 {
		if snapIndex == 0 {
			l.closeSegments()
			return failure("load segment", fmt.Errorf("log starts at %d without a snapshot", retained[0].Index))
		}
		consistent = false
	}
	if !consistent {
		// A snapshot was installed but the old log was not removed before a crash.
		l.logger.Warn("discarding log that does not extend the snapshot", "snapshot_index", snapIndex)
		if err := l.removeSegments(0); err != nil {
			return failure("discard segments", err)
		}
		return nil
	}
	// Segments the snapshot covers may survive a crash in SaveSnapshot.
	keep := 0
	for keep < len(l.segments) && l.segments[keep].LastIndex() <= snapIndex {
		keep++
	}
	if err := l.dropSegments(keep); err != nil {
		l.closeSegments()
		return failure("drop covered segments", err)
	}
	if len(retained) == 0 && len(l.segments) > 0 {
		if err := l.removeSegments(0); err != nil {
			return failure("discard segments", err)
		}
	}
	l.ents = append(l.ents, retained...)
	return nil
}

func (l *Log) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hardState, l.snapshot.Metadata.ConfState, nil
}

func (l *Log) LoadHardState() (raftpb.HardState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hardState, nil
}

func (l *Log) Snapshot() (raftpb.Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot, nil
}

func (l *Log) FirstIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ents[0].Index + 1, nil
}

func (l *Log) LastIndex() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex(), nil
}

func (l *Log) lastIndex() uint64 {
	return l.ents[0].Index + uint64(len(l.ents)) - 1
}

// Term returns the term of the entry at index. The snapshot index itself is
// still answerable.
func (l *Log) Term(index uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	offset := l.ents[0].Index
	if index < offset {
		return 0, ErrCompacted
	}
	if index > l.lastIndex() {
		return 0, ErrOutOfRange
	}
	return l.ents[index-offset].Term, nil
}

// Entries returns entries in [lo, hi).
func (l *Log) Entries(lo, hi uint64) ([]raftpb.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	offset := l.ents[0].Index
	if lo <= offset {
		return nil, ErrCompacted
	}
	if lo > hi || hi > l.lastIndex()+1 {
		return nil, fmt.Errorf("%w: [%d, %d) with last index %d", ErrOutOfRange, lo, hi, l.lastIndex())
	}
	return slices.Clone(l.ents[lo-offset : hi-offset]), nil
}

func (l *Log) SaveHardState(hs raftpb.HardState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	if err := writeStateFile(l.dir, hardStateFile, encodeHardState(hs)); err != nil {
		return l.fail("save hard state", err)
	}
	l.hardState = hs
	return nil
}

// Append persists entries. An entry whose index already exists with a different
// term replaces that entry and everything after it.
func (l *Log) Append(entries []raftpb.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("%w: non-contiguous entries at %d", ErrOutOfRange, entries[i].Index)
		}
	}

	offset := l.ents[0].Index
	last := l.lastIndex()
	if entries[0].Index > last+1 {
		return fmt.Errorf("%w: append at %d leaves a gap after %d", ErrOutOfRange, entries[0].Index, last)
	}
	if entries[len(entries)-1].Index <= offset {
		return nil
	}
	if entries[0].Index <= offset {
		entries = entries[offset+1-entries[0].Index:]
	}
	for len(entries) > 0 && entries[0].Index <= last && l.ents[entries[0].Index-offset].Term == entries[0].Term {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		return nil
	}

	if entries[0].Index <= last {
		l.logger.Info("truncating conflicting entries", "from", entries[0].Index, "last", last)
		if err := l.truncateFrom(entries[0].Index); err != nil {
			return l.fail("truncate log", err)
		}
		l.ents = l.ents[:entries[0].Index-offset]
	}
	if err := l.write(entries); err != nil {
		return l.fail("append entries", err)
	}
	l.ents = append(l.ents, entries...)
	return nil
}

func (l *Log) truncateFrom(index uint64) error {
	for i := len(l.segments) - 1; i >= 0; i-- {
		seg := l.segments[i]
		if seg.baseIndex < index {
			return seg.TruncateFrom(index)
		}
		if err := seg.Remove(); err != nil {
			return err
		}
		l.segments = l.segments[:i]
		if err := syncDir(l.dir); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) write(entries []raftpb.Entry) error {
	var active *LogSegment
	if n := len(l.segments); n > 0 {
		active = l.segments[n-1]
	}
	if active != nil && active.nextIndex != entries[0].Index {
		return fmt.Errorf("active segment ends at %d, cannot append %d", active.LastIndex(), entries[0].Index)
	}
	if active == nil || active.size >= l.segmentBytes {
		if active != nil {
			l.logger.Debug("rolling segment", "base", active.baseIndex, "size", active.size)
		}
		seg, err := NewLogSegment(l.dir, entries[0].Index)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
		active = seg
	}
	return active.Append(entries)
}

// SaveSnapshot records snap and drops every entry at or before its index. If
// the log does not contain the snapshot's last entry (a snapshot installed from
// the leader) the whole log is discarded.
func (l *Log) SaveSnapshot(snap raftpb.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}
	snapIndex, snapTerm := snap.Metadata.Index, snap.Metadata.Term
	if snapIndex <= l.ents[0].Index {
		return ErrSnapOutOfDate
	}
	if err := writeStateFile(l.dir, snapshotFile, encodeSnapshot(snap)); err != nil {
		return l.fail("save snapshot", err)
	}
	snap.Data = slices.Clone(snap.Data)
	snap.Metadata.ConfState.Voters = slices.Clone(snap.Metadata.ConfState.Voters)
	l.snapshot = snap

	offset := l.ents[0].Index
	last := l.lastIndex()
	if snapIndex <= last && l.ents[snapIndex-offset].Term == snapTerm {
		ents := make([]raftpb.Entry, 1, 1+last-snapIndex)
		ents[0] = raftpb.Entry{Index: snapIndex, Term: snapTerm}
		l.ents = append(ents, l.ents[snapIndex-offset+1:]...)
		keep := 0
		for keep < len(l.segments) && l.segments[keep].LastIndex() <= snapIndex {
			keep++
		}
		if err := l.dropSegments(keep); err != nil {
			return l.fail("compact segments", err)
		}
		l.logger.Info("log compacted", "snapshot_index", snapIndex, "first", snapIndex+1, "last", last)
		return nil
	}

	l.ents = []raftpb.Entry{{Index: snapIndex, Term: snapTerm}}
	if err := l.removeSegments(0); err != nil {
		return l.fail("discard segments", err)
	}
	l.logger.Info("log replaced by snapshot", "snapshot_index", snapIndex, "snapshot_term", snapTerm)
	return nil
}

// dropSegments removes the first n segments.
func (l *Log) dropSegments(n int) error {
	for i := 0; i < n; i++ {
		if err := l.segments[i].Remove(); err != nil {
			l.segments = l.segments[i:]
			return err
		}
	}
	l.segments = l.segments[n:]
	if n == 0 {
		return nil
	}
	return syncDir(l.dir)
}

// removeSegments removes segments[from:].
func (l *Log) removeSegments(from int) error {
	for i := len(l.segments) - 1; i >= from; i-- {
		if err := l.segments[i].Remove(); err != nil {
			return err
		}
		l.segments = l.segments[:i]
	}
	return syncDir(l.dir)
}

func (l *Log) writable() error {
	if l.closed {
		return fmt.Errorf("%w: log closed", ErrStorageFailure)
	}
	return l.failed
}

func (l *Log) fail(op string, err error) error {
	l.failed = failure(op, err)
	l.logger.Error("storage write failed, refusing further writes", "op", op, "error", err)
	return l.failed
}

func (l *Log) closeSegments() {
	for _, seg := range l.segments {
		seg.Close()
	}
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
