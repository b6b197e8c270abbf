package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/alexandrecolauto/lodestone/server/pkg/storage"
	"github.com/hashicorp/go-hclog"
)

const (
	defaultApplyBatch   = 256
	defaultPollInterval = 100 * time.Millisecond
)

// LogReader is the read side of the durable log the Applier consumes.
type LogReader interface {
	Entries(lo, hi uint64) ([]raftpb.Entry, error)
	Snapshot() (raftpb.Snapshot, error)
}

// CommitSource publishes the commit index. Committed fires at least once after
// every advance.
type CommitSource interface {
	CommitIndex() uint64
	Committed() <-chan struct{}
}

// Applier applies committed entries to the Store in index order. It shares
// nothing with the consensus actor but the commit index it reads and the
// applied index it reports back.
type Applier struct {
	store   *Store
	log     LogReader
	commits CommitSource
	hub     *Hub
	health  *HealthTable
	logger  hclog.Logger

	onApplied    func(index uint64)
	batch        uint64
	pollInterval time.Duration

	applied   atomic.Uint64
	anomalies atomic.Uint64

	mu        sync.Mutex
	appliedCh chan struct{}
	err       error

	done         chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan any
	wg           sync.WaitGroup
}

type ApplierConfig struct {
	Store   *Store
	Log     LogReader
	Commits CommitSource
	Hub     *Hub
	// Health, when set, forgets the health of deregistered services.
	Health *HealthTable
	// OnApplied is called after each applied entry, from the Applier goroutine.
	OnApplied    func(index uint64)
	Batch        int
	PollInterval time.Duration
	Logger       hclog.Logger
}

func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Store == nil || cfg.Log == nil || cfg.Commits == nil {
		return nil, fmt.Errorf("store, log and commit source are required")
	}
	applied, err := cfg.Store.AppliedIndex()
	if err != nil {
		return nil, err
	}
	a := &Applier{
		store:        cfg.Store,
		log:          cfg.Log,
		commits:      cfg.Commits,
		hub:          cfg.Hub,
		health:       cfg.Health,
		onApplied:    cfg.OnApplied,
		batch:        defaultApplyBatch,
		pollInterval: defaultPollInterval,
		logger:       cfg.Logger,
		appliedCh:    make(chan struct{}),
		done:         make(chan struct{}),
		shutdownCh:   make(chan any),
	}
	if cfg.Batch > 0 {
		a.batch = uint64(cfg.Batch)
	}
	if cfg.PollInterval > 0 {
		a.pollInterval = cfg.PollInterval
	}
	if a.logger == nil {
		a.logger = hclog.NewNullLogger()
	}
	if a.hub == nil {
		a.hub = NewHub(a.logger)
	}
	a.applied.Store(applied)
	return a, nil
}

func (a *Applier) Start() {
	a.wg.Add(1)
	go a.run()
}

func (a *Applier) Stop() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
	a.wg.Wait()
}

// Done is closed when the Applier stops, either through Stop or because a
// write to the store failed. Err reports the failure.
func (a *Applier) Done() <-chan struct{} {
	return a.done
}

func (a *Applier) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Applier) run() {
	defer a.wg.Done()
	defer close(a.done)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		if err := a.applyCommitted(); err != nil {
			a.fail(err)
			return
		}
		select {
		case <-a.shutdownCh:
			return
		case <-a.commits.Committed():
		case <-ticker.C:
		}
	}
}

func (a *Applier) Applied() uint64 {
	return a.applied.Load()
}

// Anomalies counts committed entries that could not be decoded and were
// skipped.
func (a *Applier) Anomalies() uint64 {
	return a.anomalies.Load()
}

func (a *Applier) Hub() *Hub {
	return a.hub
}

// WaitApplied blocks until the entry at index is applied locally.
func (a *Applier) WaitApplied(ctx context.Context, index uint64) error {
	for {
		a.mu.Lock()
		ch := a.appliedCh
		a.mu.Unlock()
		if a.Applied() >= index {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			if err := a.Err(); err != nil {
				return err
			}
			return fmt.Errorf("applier stopped")
		case <-a.shutdownCh:
			return fmt.Errorf("applier stopped")
		}
	}
}

func (a *Applier) fail(err error) {
	if !errors.Is(err, storage.ErrStorageFailure) {
		err = fmt.Errorf("%w: %w", storage.ErrStorageFailure, err)
	}
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	a.logger.Error("applier halted", "applied_index", a.Applied(), "error", err)
}

func (a *Applier) setApplied(index uint64) {
	a.applied.Store(index)
	a.mu.Lock()
	close(a.appliedCh)
	a.appliedCh = make(chan struct{})
	a.mu.Unlock()
	if a.onApplied != nil {
		a.onApplied(index)
	}
}

func (a *Applier) applyCommitted() error {
	for {
		commit := a.commits.CommitIndex()
		applied := a.Applied()
		if applied >= commit {
			return nil
		}
		lo := applied + 1
		hi := min(commit+1, lo+a.batch)
		ents, err := a.log.Entries(lo, hi)
		if errors.Is(err, storage.ErrCompacted) {
			if err := a.restoreSnapshot(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading entries [%d, %d): %w", lo, hi, err)
		}
		for _, e := range ents {
			if err := a.applyEntry(e); err != nil {
				return err
			}
		}
	}
}

func (a *Applier) applyEntry(e raftpb.Entry) error {
	var cmd *Command
	if len(e.Data) > 0 {
		c, err := DecodeCommand(e.Data)
		if err != nil {
			a.anomalies.Add(1)
			a.logger.Warn("skipping undecodable committed entry", "index", e.Index, "term", e.Term, "error", err)
		} else {
			cmd = &c
		}
	}
	ev, err := a.store.Apply(e.Index, cmd)
	if err != nil {
		return err
	}
	if ev != nil {
		a.logger.Debug("applied", "index", e.Index, "op", ev.Type, "service_id", ev.ServiceID)
		if ev.Type == EventDeregister && a.health != nil {
			a.health.Delete(ev.ServiceID)
		}
		a.hub.Publish(*ev)
	}
	a.setApplied(e.Index)
	return nil
}

func (a *Applier) restoreSnapshot() error {
	snap, err := a.log.Snapshot()
	if err != nil {
		return err
	}
	index := snap.Metadata.Index
	if index <= a.Applied() {
		return fmt.Errorf("log compacted past applied index %d without a newer snapshot (snapshot at %d)", a.Applied(), index)
	}
	a.logger.Info("restoring registry from snapshot", "index", index, "term", snap.Metadata.Term, "applied_index", a.Applied())
	if err := a.store.Restore(index, snap.Data); err != nil {
		return err
	}
	a.hub.Publish(Event{Type: EventReset, Index: index})
	a.setApplied(index)
	return nil
}
