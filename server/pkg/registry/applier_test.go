package registry

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/alexandrecolauto/lodestone/server/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommits struct {
	index  atomic.Uint64
	notify chan struct{}
}

func newFakeCommits() *fakeCommits {
	return &fakeCommits{notify: make(chan struct{}, 1)}
}

func (f *fakeCommits) CommitIndex() uint64        { return f.index.Load() }
func (f *fakeCommits) Committed() <-chan struct{} { return f.notify }

func (f *fakeCommits) commit(index uint64) {
	f.index.Store(index)
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

type applierHarness struct {
	t       *testing.T
	dir     string
	log     *storage.Log
	store   *Store
	commits *fakeCommits
	applier *Applier
	last    uint64
}

func newApplierHarness(t *testing.T) *applierHarness {
	h := &applierHarness{t: t, dir: t.TempDir(), commits: newFakeCommits()}
	l, err := storage.Open(filepath.Join(h.dir, "raft"), storage.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	h.log = l
	h.store = openStore(t, filepath.Join(h.dir, "registry.db"))
	h.start()
	return h
}

func (h *applierHarness) start() {
	a, err := NewApplier(ApplierConfig{
		Store:        h.store,
		Log:          h.log,
		Commits:      h.commits,
		Health:       NewHealthTable(),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(h.t, err)
	a.Start()
	h.t.Cleanup(a.Stop)
	h.applier = a
}

func (h *applierHarness) appendData(data []byte) uint64 {
	h.last++
	require.NoError(h.t, h.log.Append([]raftpb.Entry{{Index: h.last, Term: 1, Data: data}}))
	return h.last
}

func (h *applierHarness) appendCommand(cmd Command) uint64 {
	data, err := EncodeCommand(cmd)
	require.NoError(h.t, err)
	return h.appendData(data)
}

func (h *applierHarness) commitAndWait(index uint64) {
	h.commits.commit(index)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.applier.WaitApplied(ctx, index))
}

func TestApplierAppliesCommittedEntries(t *testing.T) {
	h := newApplierHarness(t)
	watcher := h.applier.Hub().Subscribe(8)
	defer watcher.Close()

	h.appendData(nil)
	index := h.appendCommand(Register(testRecord("a", "web")))
	h.commitAndWait(index)

	rec, ok, err := h.store.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "web", rec.Name)

	select {
	case ev := <-watcher.C:
		assert.Equal(t, EventRegister, ev.Type)
		assert.Equal(t, index, ev.Index)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestApplierDoesNotApplyUncommitted(t *testing.T) {
	h := newApplierHarness(t)
	first := h.appendCommand(Register(testRecord("a", "web")))
	h.appendCommand(Register(testRecord("b", "web")))
	h.commitAndWait(first)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, first, h.applier.Applied())
	_, ok, _ := h.store.Get("b")
	assert.False(t, ok)
}

func TestApplierSkipsUndecodableEntries(t *testing.T) {
	h := newApplierHarness(t)
	h.appendData([]byte("garbage"))
	index := h.appendCommand(Register(testRecord("a", "web")))
	h.commitAndWait(index)

	assert.Equal(t, uint64(1), h.applier.Anomalies())
	_, ok, _ := h.store.Get("a")
	assert.True(t, ok)
}

func TestApplierDeregisterMissingIsNoop(t *testing.T) {
	h := newApplierHarness(t)
	h.commitAndWait(h.appendCommand(Register(testRecord("a", "web"))))
	before, _ := h.store.List()

	h.commitAndWait(h.appendCommand(Deregister("missing-id")))
	after, err := h.store.List()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, h.applier.Anomalies())
}

func TestApplierRestartDoesNotDoubleApply(t *testing.T) {
	h := newApplierHarness(t)
	h.appendCommand(Register(testRecord("a", "web")))
	h.commitAndWait(h.appendCommand(Deregister("a")))
	before, _ := h.store.List()
	h.applier.Stop()

	// A fresh Applier resumes from the store's applied index.
	h.start()
	assert.Equal(t, uint64(2), h.applier.Applied())
	index := h.appendCommand(Register(testRecord("b", "api")))
	h.commitAndWait(index)

	_, ok, _ := h.store.Get("a")
	assert.False(t, ok)
	after, _ := h.store.List()
	assert.Len(t, after, len(before)+1)
}

func TestApplierRestoresFromSnapshotWhenCompacted(t *testing.T) {
	h := newApplierHarness(t)

	// Build the snapshot state on a separate store, as a leader would have.
	leader := openStore(t, filepath.Join(t.TempDir(), "leader.db"))
	_, err := leader.Apply(1, &Command{Version: commandVersion, Op: OpRegister, Service: ptr(testRecord("a", "web"))})
	require.NoError(t, err)
	_, err = leader.Apply(2, &Command{Version: commandVersion, Op: OpRegister, Service: ptr(testRecord("b", "web"))})
	require.NoError(t, err)
	index, data, err := leader.Snapshot()
	require.NoError(t, err)

	require.NoError(t, h.log.SaveSnapshot(raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: index, Term: 1},
		Data:     data,
	}))
	h.last = index
	next := h.appendCommand(Deregister("a"))
	h.commitAndWait(next)

	got, err := h.store.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestApplierWaitAppliedHonorsContext(t *testing.T) {
	h := newApplierHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.applier.WaitApplied(ctx, 10), context.DeadlineExceeded)
}

func TestApplierHaltsWhenStoreWriteFails(t *testing.T) {
	h := newApplierHarness(t)
	h.commitAndWait(h.appendCommand(Register(testRecord("a", "web"))))

	require.NoError(t, h.store.Close())
	index := h.appendCommand(Register(testRecord("b", "web")))
	h.commits.commit(index)

	select {
	case <-h.applier.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("applier kept running after a failed write")
	}
	assert.ErrorIs(t, h.applier.Err(), storage.ErrStorageFailure)
	assert.Equal(t, index-1, h.applier.Applied())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, h.applier.WaitApplied(ctx, index), storage.ErrStorageFailure)
}

func TestApplierStopLeavesNoError(t *testing.T) {
	h := newApplierHarness(t)
	h.applier.Stop()
	<-h.applier.Done()
	assert.NoError(t, h.applier.Err())
}

func ptr[T any](v T) *T {
	return &v
}
