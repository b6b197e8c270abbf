package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/controller/raft"
	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/alexandrecolauto/lodestone/server/pkg/storage"
	"github.com/hashicorp/go-hclog"
)

var ErrStopped = errors.New("node: stopped")

// Storage is the durable log the actor reads through raft and writes from
// Ready batches.
type Storage interface {
	raft.Storage
	Append(entries []raftpb.Entry) error
	SaveHardState(hs raftpb.HardState) error
	SaveSnapshot(snap raftpb.Snapshot) error
}

type Transport interface {
	Send(msgs []raftpb.Message)
}

// Snapshotter produces the applied state used to compact the log.
type Snapshotter interface {
	Snapshot() (index uint64, data []byte, err error)
}

type Config struct {
	ID    string
	Peers []string

	TickInterval     time.Duration
	ElectionTick     int
	HeartbeatTick    int
	MaxEntriesPerMsg int

	// SnapshotThreshold is the number of applied entries past the last
	// snapshot that triggers compaction; 0 disables it.
	SnapshotThreshold uint64
	Snapshotter       Snapshotter

	RecvBuffer int
	// Bootstrap starts an election as soon as Run starts.
	Bootstrap bool

	Rand *rand.Rand
}

type proposal struct {
	data   []byte
	result chan proposalResult
}

type proposalResult struct {
	index uint64
	err   error
}

// Node is the single-threaded consensus actor. All raft state is touched only
// from Run; other goroutines talk to it through channels and read the commit
// index and leader through atomics.
type Node struct {
	cfg       Config
	raft      *raft.Raft
	storage   Storage
	transport Transport
	logger    hclog.Logger

	recvc     chan raftpb.Message
	propc     chan proposal
	campaignc chan chan error
	statusc   chan chan raft.Status
	appliedc  chan struct{}

	commit  atomic.Uint64
	commitc chan struct{}
	applied atomic.Uint64
	lead    atomic.Value
	term    atomic.Uint64

	snapshotIndex uint64

	mu      sync.Mutex
	err     error
	started atomic.Bool

	stopOnce sync.Once
	stopc    chan struct{}
	done     chan struct{}
}

func New(cfg Config, s Storage, t Transport, logger hclog.Logger) (*Node, error) {
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be greater than 0")
	}
	if s == nil || t == nil {
		return nil, fmt.Errorf("storage and transport are required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 1024
	}

	r, err := raft.New(raft.Config{
		ID:               cfg.ID,
		Peers:            cfg.Peers,
		ElectionTick:     cfg.ElectionTick,
		HeartbeatTick:    cfg.HeartbeatTick,
		Storage:          s,
		MaxEntriesPerMsg: cfg.MaxEntriesPerMsg,
		Logger:           logger.Named("raft"),
		Rand:             cfg.Rand,
	})
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	hs, _, err := s.InitialState()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:           cfg,
		raft:          r,
		storage:       s,
		transport:     t,
		logger:        logger,
		recvc:         make(chan raftpb.Message, cfg.RecvBuffer),
		propc:         make(chan proposal),
		campaignc:     make(chan chan error),
		statusc:       make(chan chan raft.Status),
		appliedc:      make(chan struct{}, 1),
		commitc:       make(chan struct{}, 1),
		snapshotIndex: snap.Metadata.Index,
		stopc:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	n.lead.Store("")
	n.commit.Store(max(hs.Commit, snap.Metadata.Index))
	n.term.Store(hs.Term)
	return n, nil
}

// Run drives the node until ctx is cancelled, Stop is called, or a storage
// write fails. It returns the fatal error in the last case.
func (n *Node) Run(ctx context.Context) error {
	n.started.Store(true)
	defer close(n.done)

	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	if n.cfg.Bootstrap {
		if err := n.raft.Campaign(); err != nil {
			n.logger.Warn("bootstrap campaign failed", "error", err)
		}
	}

	for {
		if n.raft.HasReady() {
			if err := n.handleReady(); err != nil {
				return n.fail(err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-n.stopc:
			return nil
		case <-ticker.C:
			n.raft.Tick()
		case m := <-n.recvc:
			if err := n.raft.Step(m); err != nil {
				n.logger.Warn("rejected peer message", "type", m.Type, "from", m.From, "term", m.Term, "error", err)
			}
		case p := <-n.propc:
			index, err := n.raft.Propose(p.data)
			p.result <- proposalResult{index: index, err: err}
		case c := <-n.campaignc:
			c <- n.raft.Campaign()
		case c := <-n.statusc:
			c <- n.raft.Status()
		case <-n.appliedc:
			if err := n.maybeCompact(); err != nil {
				return n.fail(err)
			}
		}
	}
}

// handleReady persists the batch, then sends its messages, then publishes the
// new commit index.
func (n *Node) handleReady() error {
	rd := n.raft.Ready()

	if !raftpb.IsEmptySnap(rd.Snapshot) {
		if err := n.storage.SaveSnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("saving snapshot %d: %w", rd.Snapshot.Metadata.Index, err)
		}
		n.snapshotIndex = rd.Snapshot.Metadata.Index
		n.logger.Info("installed snapshot from leader", "index", rd.Snapshot.Metadata.Index, "term", rd.Snapshot.Metadata.Term)
	}
	if len(rd.Entries) > 0 {
		if err := n.storage.Append(rd.Entries); err != nil {
			return fmt.Errorf("appending %d entries: %w", len(rd.Entries), err)
		}
	}
	if !raftpb.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SaveHardState(rd.HardState); err != nil {
			return fmt.Errorf("saving hard state: %w", err)
		}
		n.term.Store(rd.HardState.Term)
	}
	if rd.SoftState != nil {
		n.lead.Store(rd.SoftState.Lead)
		n.logger.Info("leadership changed", "state", rd.SoftState.State, "leader", rd.SoftState.Lead, "term", n.term.Load())
	}

	if len(rd.Messages) > 0 {
		n.transport.Send(rd.Messages)
	}

	if !raftpb.IsEmptyHardState(rd.HardState) && rd.HardState.Commit > n.commit.Load() {
		n.commit.Store(rd.HardState.Commit)
		select {
		case n.commitc <- struct{}{}:
		default:
		}
	}

	n.raft.Advance(rd)
	return nil
}

func (n *Node) maybeCompact() error {
	if n.cfg.SnapshotThreshold == 0 || n.cfg.Snapshotter == nil {
		return nil
	}
	applied := n.applied.Load()
	if applied <= n.snapshotIndex || applied-n.snapshotIndex < n.cfg.SnapshotThreshold {
		return nil
	}
	index, data, err := n.cfg.Snapshotter.Snapshot()
	if err != nil {
		n.logger.Error("failed to build snapshot", "error", err)
		return nil
	}
	if index <= n.snapshotIndex {
		return nil
	}
	term, err := n.storage.Term(index)
	if err != nil {
		n.logger.Warn("cannot compact, snapshot index not in log", "index", index, "error", err)
		return nil
	}
	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: raftpb.ConfState{Voters: n.raft.Status().Voters},
		},
		Data: data,
	}
	if err := n.storage.SaveSnapshot(snap); err != nil {
		if errors.Is(err, storage.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("compacting log at %d: %w", index, err)
	}
	n.snapshotIndex = index
	n.logger.Info("compacted log", "index", index, "term", term, "bytes", len(data))
	return nil
}

func (n *Node) fail(err error) error {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
	n.logger.Error("node halted", "error", err)
	return err
}

// Propose submits cmd to the log. It returns the index the entry was given,
// or a *raft.NotLeaderError on a follower. It does not wait for commit.
func (n *Node) Propose(ctx context.Context, cmd []byte) (uint64, error) {
	p := proposal{data: cmd, result: make(chan proposalResult, 1)}
	select {
	case n.propc <- p:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-n.done:
		return 0, ErrStopped
	}
	select {
	case res := <-p.result:
		return res.index, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-n.done:
		return 0, ErrStopped
	}
}

// Step enqueues a peer message without blocking. A full inbox drops the
// message; replication retries on the next heartbeat.
func (n *Node) Step(ctx context.Context, m raftpb.Message) error {
	select {
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case n.recvc <- m:
	default:
		n.logger.Debug("inbox full, dropping message", "type", m.Type, "from", m.From)
	}
	return nil
}

func (n *Node) Campaign(ctx context.Context) error {
	c := make(chan error, 1)
	select {
	case n.campaignc <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
	select {
	case err := <-c:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
}

func (n *Node) Status(ctx context.Context) (raft.Status, error) {
	c := make(chan raft.Status, 1)
	select {
	case n.statusc <- c:
	case <-ctx.Done():
		return raft.Status{}, ctx.Err()
	case <-n.done:
		return raft.Status{}, ErrStopped
	}
	select {
	case st := <-c:
		return st, nil
	case <-ctx.Done():
		return raft.Status{}, ctx.Err()
	case <-n.done:
		return raft.Status{}, ErrStopped
	}
}

func (n *Node) ID() string {
	return n.cfg.ID
}

// Leader is the last known leader, or "" when unknown.
func (n *Node) Leader() string {
	return n.lead.Load().(string)
}

func (n *Node) IsLeader() bool {
	return n.Leader() == n.cfg.ID
}

func (n *Node) Term() uint64 {
	return n.term.Load()
}

func (n *Node) CommitIndex() uint64 {
	return n.commit.Load()
}

// Committed fires after the commit index advances. It has a single consumer.
func (n *Node) Committed() <-chan struct{} {
	return n.commitc
}

// ReportApplied records the Applier's progress; the actor compacts the log
// from it.
func (n *Node) ReportApplied(index uint64) {
	n.applied.Store(index)
	select {
	case n.appliedc <- struct{}{}:
	default:
	}
}

func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopc)
	})
	if n.started.Load() {
		<-n.done
	}
}

func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Err returns the error that halted the node, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}
