package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/alexandrecolauto/lodestone/server/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testElectionTick  = 10
	testHeartbeatTick = 1
)

// MockNetwork drives a set of Raft instances in lockstep: it persists every
// Ready to the node's log and delivers messages synchronously.
type MockNetwork struct {
	t       *testing.T
	ids     []string
	raft    map[string]*Raft
	storage map[string]*storage.Log
	dirs    map[string]string
	// dropped holds "from->to" links that lose every message.
	dropped map[string]bool
	queue   []raftpb.Message
}

func NewMockNetwork(t *testing.T, n int) *MockNetwork {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("n%d", i))
	}
	nt := &MockNetwork{
		t:       t,
		ids:     ids,
		raft:    make(map[string]*Raft),
		storage: make(map[string]*storage.Log),
		dirs:    make(map[string]string),
		dropped: make(map[string]bool),
	}
	for i, id := range ids {
		nt.dirs[id] = t.TempDir()
		nt.start(id, int64(i+1))
	}
	return nt
}

func (nt *MockNetwork) start(id string, seed int64) {
	s, err := storage.Open(nt.dirs[id], storage.Options{}, nil)
	require.NoError(nt.t, err)
	nt.t.Cleanup(func() { s.Close() })
	r, err := New(Config{
		ID:            id,
		Peers:         nt.ids,
		ElectionTick:  testElectionTick,
		HeartbeatTick: testHeartbeatTick,
		Storage:       s,
		Rand:          rand.New(rand.NewSource(seed)),
	})
	require.NoError(nt.t, err)
	nt.storage[id] = s
	nt.raft[id] = r
}

// restart reopens a node from its data directory, dropping all in-memory state.
func (nt *MockNetwork) restart(id string) {
	require.NoError(nt.t, nt.storage[id].Close())
	nt.start(id, 99)
}

func (nt *MockNetwork) cut(a, b string) {
	nt.dropped[a+"->"+b] = true
	nt.dropped[b+"->"+a] = true
}

func (nt *MockNetwork) isolate(id string) {
	for _, other := range nt.ids {
		if other != id {
			nt.cut(id, other)
		}
	}
}

func (nt *MockNetwork) heal() {
	nt.dropped = make(map[string]bool)
}

func (nt *MockNetwork) persist(id string, rd Ready) {
	s := nt.storage[id]
	if !raftpb.IsEmptySnap(rd.Snapshot) {
		require.NoError(nt.t, s.SaveSnapshot(rd.Snapshot))
	}
	if len(rd.Entries) > 0 {
		require.NoError(nt.t, s.Append(rd.Entries))
	}
	if !raftpb.IsEmptyHardState(rd.HardState) {
		require.NoError(nt.t, s.SaveHardState(rd.HardState))
	}
}

// process runs Ready cycles and delivers messages until the network is quiet.
func (nt *MockNetwork) process() {
	for range 10000 {
		busy := false
		for _, id := range nt.ids {
			r := nt.raft[id]
			if !r.HasReady() {
				continue
			}
			busy = true
			rd := r.Ready()
			nt.persist(id, rd)
			for _, m := range rd.Messages {
				if !nt.dropped[m.From+"->"+m.To] {
					nt.queue = append(nt.queue, m)
				}
			}
			r.Advance(rd)
		}
		msgs := nt.queue
		nt.queue = nil
		for _, m := range msgs {
			busy = true
			require.NoError(nt.t, nt.raft[m.To].Step(m))
		}
		if !busy {
			return
		}
	}
	nt.t.Fatal("network did not settle")
}

func (nt *MockNetwork) tick(id string, n int) {
	for range n {
		nt.raft[id].Tick()
		nt.process()
	}
}

func (nt *MockNetwork) campaign(id string) {
	require.NoError(nt.t, nt.raft[id].Campaign())
	nt.process()
}

func (nt *MockNetwork) propose(id string, data string) uint64 {
	index, err := nt.raft[id].Propose([]byte(data))
	require.NoError(nt.t, err)
	nt.process()
	return index
}

func (nt *MockNetwork) leaders() []string {
	var res []string
	for _, id := range nt.ids {
		if nt.raft[id].Status().State == Leader {
			res = append(res, id)
		}
	}
	return res
}

func (nt *MockNetwork) persisted(id string) []raftpb.Entry {
	s := nt.storage[id]
	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	ents, err := s.Entries(first, last+1)
	require.NoError(nt.t, err)
	return ents
}

func TestRaftSingleNodeCampaign(t *testing.T) {
	nt := NewMockNetwork(t, 1)
	nt.campaign("n1")

	st := nt.raft["n1"].Status()
	assert.Equal(t, Leader, st.State)
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "n1", st.Lead)

	index := nt.propose("n1", "x")
	assert.Equal(t, uint64(2), index, "index 1 holds the leader no-op")
	assert.Equal(t, uint64(2), nt.raft["n1"].Status().Commit)

	ents := nt.persisted("n1")
	require.Len(t, ents, 2)
	assert.Empty(t, ents[0].Data)
	assert.Equal(t, []byte("x"), ents[1].Data)

	hs, err := nt.storage["n1"].LoadHardState()
	require.NoError(t, err)
	assert.Equal(t, raftpb.HardState{Term: 1, Vote: "n1", Commit: 2}, hs)
}

func TestRaftFirstElection(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")

	assert.Equal(t, []string{"n1"}, nt.leaders())
	for _, id := range []string{"n2", "n3"} {
		st := nt.raft[id].Status()
		assert.Equal(t, Follower, st.State)
		assert.Equal(t, "n1", st.Lead)
		assert.Equal(t, uint64(1), st.Term)
		assert.Equal(t, "n1", st.Vote)
	}
}

func TestRaftElectionTimeoutStartsCampaign(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	for i := 0; i < 2*testElectionTick && len(nt.leaders()) == 0; i++ {
		nt.tick("n2", 1)
	}
	assert.Equal(t, []string{"n2"}, nt.leaders())
}

func TestRaftOneVotePerTerm(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.isolate("n3")
	nt.campaign("n1")
	require.Equal(t, []string{"n1"}, nt.leaders())

	// n2 already voted for n1 in term 1.
	err := nt.raft["n2"].Step(raftpb.Message{Type: raftpb.MsgVote, From: "n3", To: "n2", Term: 1})
	require.NoError(t, err)
	rd := nt.raft["n2"].Ready()
	nt.raft["n2"].Advance(rd)
	require.Len(t, rd.Messages, 1)
	assert.Equal(t, raftpb.MsgVoteResp, rd.Messages[0].Type)
	assert.False(t, rd.Messages[0].Granted)
}

func TestRaftReplicationCommitsOnQuorum(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	for i := range 5 {
		nt.propose("n1", fmt.Sprintf("cmd-%d", i))
	}

	want := nt.persisted("n1")
	require.Len(t, want, 6)
	for _, id := range nt.ids {
		assert.Equal(t, want, nt.persisted(id), "log of %s", id)
		assert.Equal(t, uint64(6), nt.raft[id].Status().Commit, "commit of %s", id)
	}
}

func TestRaftCommitsWithMinorityDown(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	nt.isolate("n3")

	index := nt.propose("n1", "a")
	assert.Equal(t, index, nt.raft["n1"].Status().Commit)
	assert.Equal(t, index, nt.raft["n2"].Status().Commit)
	assert.Less(t, nt.raft["n3"].Status().Commit, index)
}

func TestRaftNoCommitWithoutQuorum(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	before := nt.raft["n1"].Status().Commit
	nt.isolate("n1")

	index := nt.propose("n1", "lost")
	assert.Equal(t, uint64(2), index)
	assert.Equal(t, before, nt.raft["n1"].Status().Commit)
}

func TestRaftFollowerRejectsProposal(t *testing.T) {
	nt := NewMockNetwork(t, 3)

	_, err := nt.raft["n2"].Propose([]byte("x"))
	var nle *NotLeaderError
	require.ErrorAs(t, err, &nle)
	assert.Empty(t, nle.LeaderID)

	nt.campaign("n1")
	_, err = nt.raft["n2"].Propose([]byte("x"))
	require.ErrorAs(t, err, &nle)
	assert.Equal(t, "n1", nle.LeaderID)
	assert.True(t, errors.Is(err, ErrNotLeader))
}

func TestRaftCampaignOnLeader(t *testing.T) {
	nt := NewMockNetwork(t, 1)
	nt.campaign("n1")
	assert.ErrorIs(t, nt.raft["n1"].Campaign(), ErrAlreadyLeader)
}

func TestRaftStaleTermMessageIgnored(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	nt.isolate("n2")
	nt.campaign("n2")
	require.Equal(t, uint64(2), nt.raft["n2"].Status().Term)

	r := nt.raft["n2"]
	err := r.Step(raftpb.Message{
		Type:    raftpb.MsgApp,
		From:    "n1",
		To:      "n2",
		Term:    1,
		Index:   1,
		LogTerm: 1,
		Entries: []raftpb.Entry{{Index: 2, Term: 1, Data: []byte("stale")}},
		Commit:  2,
	})
	require.NoError(t, err)

	st := r.Status()
	assert.Equal(t, Candidate, st.State)
	assert.Equal(t, uint64(2), st.Term)
	assert.Equal(t, uint64(1), st.LastIndex)

	rd := r.Ready()
	r.Advance(rd)
	require.Len(t, rd.Messages, 1)
	assert.Equal(t, raftpb.MsgAppResp, rd.Messages[0].Type)
	assert.Equal(t, uint64(2), rd.Messages[0].Term)
}

func TestRaftProtocolViolation(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	r := nt.raft["n1"]

	cases := []raftpb.Message{
		{Type: raftpb.MessageType(99), From: "n2", To: "n1", Term: 1},
		{Type: raftpb.MsgApp, From: "n9", To: "n1", Term: 1},
		{Type: raftpb.MsgApp, From: "n2", To: "n3", Term: 1},
		{Type: raftpb.MsgSnap, From: "n2", To: "n1", Term: 1},
		{Type: raftpb.MsgApp, From: "n2", To: "n1", Term: 1, Index: 0, Entries: []raftpb.Entry{{Index: 2, Term: 1}}},
	}
	for _, m := range cases {
		assert.ErrorIs(t, r.Step(m), ErrProtocolViolation, "message %s", m)
	}
	assert.Equal(t, uint64(0), r.Status().Term)
}

func TestRaftStaleLogCannotWinElection(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	nt.isolate("n3")
	nt.propose("n1", "a")
	nt.propose("n1", "b")
	nt.heal()

	nt.campaign("n3")
	assert.NotEqual(t, Leader, nt.raft["n3"].Status().State)

	// The higher term deposed n1; an up-to-date node wins the next round.
	nt.campaign("n2")
	assert.Equal(t, []string{"n2"}, nt.leaders())
	want := nt.persisted("n2")
	for _, id := range nt.ids {
		assert.Equal(t, want, nt.persisted(id), "log of %s", id)
	}
}

func TestRaftOnlyCommitsCurrentTermByCounting(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.Open(dir, storage.Options{}, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append([]raftpb.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}}))
	require.NoError(t, s.SaveHardState(raftpb.HardState{Term: 1}))

	r, err := New(Config{ID: "n1", Peers: []string{"n1", "n2", "n3"}, ElectionTick: 10, HeartbeatTick: 1, Storage: s})
	require.NoError(t, err)
	require.NoError(t, r.Campaign())
	require.NoError(t, r.Step(raftpb.Message{Type: raftpb.MsgVoteResp, From: "n2", To: "n1", Term: 2, Granted: true}))
	require.Equal(t, Leader, r.Status().State)
	require.Equal(t, uint64(3), r.Status().LastIndex)

	// Index 2 is on a quorum but belongs to term 1.
	require.NoError(t, r.Step(raftpb.Message{Type: raftpb.MsgAppResp, From: "n2", To: "n1", Term: 2, Index: 2}))
	assert.Equal(t, uint64(0), r.Status().Commit)

	require.NoError(t, r.Step(raftpb.Message{Type: raftpb.MsgAppResp, From: "n2", To: "n1", Term: 2, Index: 3}))
	assert.Equal(t, uint64(3), r.Status().Commit)
}

func TestRaftFollowerTruncatesConflictingEntries(t *testing.T) {
	s, err := storage.Open(t.TempDir(), storage.Options{}, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append([]raftpb.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}, {Index: 3, Term: 1}}))
	require.NoError(t, s.SaveHardState(raftpb.HardState{Term: 1, Commit: 1}))

	r, err := New(Config{ID: "n2", Peers: []string{"n1", "n2", "n3"}, ElectionTick: 10, HeartbeatTick: 1, Storage: s})
	require.NoError(t, err)

	err = r.Step(raftpb.Message{
		Type:    raftpb.MsgApp,
		From:    "n1",
		To:      "n2",
		Term:    2,
		Index:   1,
		LogTerm: 1,
		Entries: []raftpb.Entry{{Index: 2, Term: 2, Data: []byte("new")}},
		Commit:  2,
	})
	require.NoError(t, err)

	rd := r.Ready()
	require.Equal(t, []raftpb.Entry{{Index: 2, Term: 2, Data: []byte("new")}}, rd.Entries)
	require.NoError(t, s.Append(rd.Entries))
	require.NoError(t, s.SaveHardState(rd.HardState))
	r.Advance(rd)

	last, _ := s.LastIndex()
	assert.Equal(t, uint64(2), last)
	assert.Equal(t, uint64(2), r.Status().Commit)
	require.Len(t, rd.Messages, 1)
	assert.False(t, rd.Messages[0].Reject)
	assert.Equal(t, uint64(2), rd.Messages[0].Index)
}

func TestRaftAppendBelowCommitAnswersWithCommit(t *testing.T) {
	s, err := storage.Open(t.TempDir(), storage.Options{}, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append([]raftpb.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 1}}))
	require.NoError(t, s.SaveHardState(raftpb.HardState{Term: 1, Commit: 2}))

	r, err := New(Config{ID: "n2", Peers: []string{"n1", "n2", "n3"}, ElectionTick: 10, HeartbeatTick: 1, Storage: s})
	require.NoError(t, err)

	// A delayed append that would rewrite committed entries is acknowledged
	// with the commit index and changes nothing.
	err = r.Step(raftpb.Message{
		Type:    raftpb.MsgApp,
		From:    "n1",
		To:      "n2",
		Term:    1,
		Index:   1,
		LogTerm: 1,
		Entries: []raftpb.Entry{{Index: 2, Term: 1, Data: []byte("dup")}},
	})
	require.NoError(t, err)

	rd := r.Ready()
	r.Advance(rd)
	assert.Empty(t, rd.Entries)
	require.Len(t, rd.Messages, 1)
	assert.False(t, rd.Messages[0].Reject)
	assert.Equal(t, uint64(2), rd.Messages[0].Index)
	assert.Equal(t, uint64(2), r.Status().LastIndex)
}

func TestRaftIsolatedFollowerCatchesUp(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	nt.isolate("n3")
	for i := range 5 {
		nt.propose("n1", fmt.Sprintf("cmd-%d", i))
	}
	require.Equal(t, uint64(1), nt.raft["n3"].Status().LastIndex)

	nt.heal()
	nt.tick("n1", testHeartbeatTick)

	want := nt.persisted("n1")
	assert.Equal(t, want, nt.persisted("n3"))
	assert.Equal(t, uint64(6), nt.raft["n3"].Status().Commit)
}

func TestRaftLaggingFollowerReceivesSnapshot(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	nt.isolate("n3")
	for i := range 5 {
		nt.propose("n1", fmt.Sprintf("cmd-%d", i))
	}

	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: 6, Term: 1, ConfState: raftpb.ConfState{Voters: slices.Clone(nt.ids)}},
		Data:     []byte("state@6"),
	}
	require.NoError(t, nt.storage["n1"].SaveSnapshot(snap))
	nt.propose("n1", "after-snapshot")

	nt.heal()
	nt.tick("n1", testHeartbeatTick)

	got, err := nt.storage["n3"].Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap, got)
	assert.Equal(t, nt.persisted("n1"), nt.persisted("n3"))
	assert.Equal(t, uint64(7), nt.raft["n3"].Status().Commit)
}

func TestRaftLeaderStepsDownWithoutQuorum(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	nt.isolate("n1")

	nt.tick("n1", 2*testElectionTick)
	st := nt.raft["n1"].Status()
	assert.Equal(t, Follower, st.State)
	assert.Empty(t, st.Lead)
}

func TestRaftRestartRecoversState(t *testing.T) {
	nt := NewMockNetwork(t, 3)
	nt.campaign("n1")
	nt.propose("n1", "a")
	nt.propose("n1", "b")

	nt.restart("n2")
	st := nt.raft["n2"].Status()
	assert.Equal(t, Follower, st.State)
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "n1", st.Vote)
	assert.Equal(t, uint64(3), st.LastIndex)

	nt.propose("n1", "c")
	assert.Equal(t, nt.persisted("n1"), nt.persisted("n2"))
	assert.Equal(t, uint64(4), nt.raft["n2"].Status().Commit)
}
