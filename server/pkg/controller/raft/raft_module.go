package raft

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/hashicorp/go-hclog"
)

type State string

const (
	Follower  State = "Follower"
	Candidate State = "Candidate"
	Leader    State = "Leader"
)

var (
	ErrNotLeader         = errors.New("raft: not leader")
	ErrAlreadyLeader     = errors.New("raft: already leader")
	ErrProtocolViolation = errors.New("raft: protocol violation")
)

// NotLeaderError is returned by Propose on a non-leader. LeaderID is empty when
// no leader is known.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader, leader unknown"
	}
	return fmt.Sprintf("raft: not leader, leader is %s", e.LeaderID)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

type Config struct {
	ID string
	// Peers lists every voter, including ID. On restart the voters recorded in
	// the snapshot win.
	Peers []string

	// ElectionTick is the base election timeout in ticks; the effective timeout
	// is drawn from [ElectionTick, 2*ElectionTick).
	ElectionTick  int
	HeartbeatTick int

	Storage Storage

	// MaxEntriesPerMsg caps the entries in one append message; 0 means no cap.
	MaxEntriesPerMsg int

	Logger hclog.Logger
	// Rand seeds the election timeout jitter. Tests pin it for determinism.
	Rand *rand.Rand
}

func (c *Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if c.HeartbeatTick <= 0 {
		return fmt.Errorf("heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return fmt.Errorf("election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return fmt.Errorf("storage cannot be nil")
	}
	if c.MaxEntriesPerMsg < 0 {
		return fmt.Errorf("max entries per message cannot be negative")
	}
	return nil
}

// Raft is the consensus state machine. It does no I/O and is not safe for
// concurrent use: a single owner drives it through Tick, Step, Propose and the
// Ready/Advance cycle.
type Raft struct {
	id    string
	state State
	lead  string

	term uint64
	vote string

	voters []string
	prs    map[string]*Progress
	votes  map[string]bool

	raftLog *RaftLog
	msgs    []raftpb.Message

	electionElapsed           int
	heartbeatElapsed          int
	electionTimeout           int
	heartbeatTimeout          int
	randomizedElectionTimeout int
	maxEntriesPerMsg          int

	prevSoftState SoftState
	prevHardState raftpb.HardState

	rand   *rand.Rand
	logger hclog.Logger
}

func New(c Config) (*Raft, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	raftLog, err := newRaftLog(c.Storage)
	if err != nil {
		return nil, err
	}
	hs, cs, err := c.Storage.InitialState()
	if err != nil {
		return nil, err
	}

	voters := slices.Clone(cs.Voters)
	if len(voters) == 0 {
		voters = slices.Clone(c.Peers)
	}
	if !slices.Contains(voters, c.ID) {
		voters = append(voters, c.ID)
	}
	slices.Sort(voters)
	voters = slices.Compact(voters)

	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	rnd := c.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	r := &Raft{
		id:               c.ID,
		voters:           voters,
		raftLog:          raftLog,
		electionTimeout:  c.ElectionTick,
		heartbeatTimeout: c.HeartbeatTick,
		maxEntriesPerMsg: c.MaxEntriesPerMsg,
		rand:             rnd,
		logger:           logger.With("node", c.ID),
	}

	if !raftpb.IsEmptyHardState(hs) {
		if hs.Commit > raftLog.lastIndex() {
			return nil, fmt.Errorf("hard state commit %d is beyond last index %d", hs.Commit, raftLog.lastIndex())
		}
		// A crash between saving a snapshot and the hard state leaves the
		// commit index behind the snapshot.
		raftLog.committed = max(hs.Commit, raftLog.committed)
		r.term = hs.Term
		r.vote = hs.Vote
	}
	r.becomeFollower(r.term, "")
	r.prevSoftState = r.softState()
	r.prevHardState = r.hardState()

	r.logger.Info("raft started", "term", r.term, "commit", raftLog.committed, "last_index", raftLog.lastIndex(), "voters", voters)
	return r, nil
}

func (r *Raft) quorum() int {
	return len(r.voters)/2 + 1
}

func (r *Raft) isVoter(id string) bool {
	_, ok := slices.BinarySearch(r.voters, id)
	return ok
}

func (r *Raft) softState() SoftState {
	return SoftState{Lead: r.lead, State: r.state}
}

func (r *Raft) hardState() raftpb.HardState {
	return raftpb.HardState{Term: r.term, Vote: r.vote, Commit: r.raftLog.committed}
}

func (r *Raft) send(m raftpb.Message) {
	m.From = r.id
	m.Term = r.term
	r.msgs = append(r.msgs, m)
}

func (r *Raft) reset(term uint64) {
	if r.term != term {
		r.term = term
		r.vote = ""
	}
	r.lead = ""
	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.votes = make(map[string]bool)
	r.prs = make(map[string]*Progress, len(r.voters))
	last := r.raftLog.lastIndex()
	for _, id := range r.voters {
		r.prs[id] = &Progress{Next: last + 1}
	}
}

func (r *Raft) becomeFollower(term uint64, lead string) {
	r.reset(term)
	r.state = Follower
	r.lead = lead
	r.logger.Debug("became follower", "term", term, "leader", lead)
}

func (r *Raft) becomeCandidate() {
	r.reset(r.term + 1)
	r.state = Candidate
	r.vote = r.id
	r.logger.Info("became candidate", "term", r.term)
}

func (r *Raft) becomeLeader() {
	r.reset(r.term)
	r.state = Leader
	r.lead = r.id
	for id, pr := range r.prs {
		if id == r.id {
			continue
		}
		pr.RecentActive = true
	}
	r.logger.Info("became leader", "term", r.term)

	// An entry of the new term lets the leader commit everything before it.
	if err := r.appendEntry(raftpb.Entry{}); err != nil {
		r.logger.Error("failed to append leader no-op", "error", err)
		return
	}
	r.bcastAppend()
}

// Propose appends data to the leader's log and starts replicating it. It
// returns the index the entry will occupy if it commits.
func (r *Raft) Propose(data []byte) (uint64, error) {
	if r.state != Leader {
		return 0, &NotLeaderError{LeaderID: r.lead}
	}
	if err := r.appendEntry(raftpb.Entry{Data: data}); err != nil {
		return 0, err
	}
	r.bcastAppend()
	return r.raftLog.lastIndex(), nil
}

func (r *Raft) appendEntry(es ...raftpb.Entry) error {
	li := r.raftLog.lastIndex()
	for i := range es {
		es[i].Term = r.term
		es[i].Index = li + 1 + uint64(i)
	}
	if err := r.raftLog.append(es...); err != nil {
		return err
	}
	r.prs[r.id].maybeUpdate(r.raftLog.lastIndex())
	r.maybeCommit()
	return nil
}

// Step feeds one message received from a peer into the state machine. Messages
// from an older term are dropped; malformed messages return
// ErrProtocolViolation and leave the state untouched.
func (r *Raft) Step(m raftpb.Message) error {
	if err := r.validateMessage(m); err != nil {
		return err
	}

	switch {
	case m.Term > r.term:
		r.logger.Debug("received message with higher term", "type", m.Type, "from", m.From, "term", m.Term, "local_term", r.term)
		if m.Type == raftpb.MsgApp || m.Type == raftpb.MsgSnap {
			r.becomeFollower(m.Term, m.From)
		} else {
			r.becomeFollower(m.Term, "")
		}
	case m.Term < r.term:
		r.logger.Debug("ignored message with lower term", "type", m.Type, "from", m.From, "term", m.Term, "local_term", r.term)
		switch m.Type {
		case raftpb.MsgApp, raftpb.MsgSnap:
			// Lets a deposed leader learn the new term.
			r.send(raftpb.Message{Type: raftpb.MsgAppResp, To: m.From, Reject: true})
		case raftpb.MsgVote:
			r.send(raftpb.Message{Type: raftpb.MsgVoteResp, To: m.From})
		}
		return nil
	}

	if m.Type == raftpb.MsgVote {
		r.handleVoteRequest(m)
		return nil
	}

	switch r.state {
	case Follower:
		return r.stepFollower(m)
	case Candidate:
		return r.stepCandidate(m)
	default:
		return r.stepLeader(m)
	}
}

func (r *Raft) validateMessage(m raftpb.Message) error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %d", ErrProtocolViolation, m.Type)
	}
	if m.To != r.id {
		return fmt.Errorf("%w: message addressed to %q", ErrProtocolViolation, m.To)
	}
	if m.From == r.id || !r.isVoter(m.From) {
		return fmt.Errorf("%w: message from unknown peer %q", ErrProtocolViolation, m.From)
	}
	if m.Term == 0 {
		return fmt.Errorf("%w: %s without term", ErrProtocolViolation, m.Type)
	}
	switch m.Type {
	case raftpb.MsgSnap:
		if m.Snapshot == nil || raftpb.IsEmptySnap(*m.Snapshot) {
			return fmt.Errorf("%w: snapshot message without snapshot", ErrProtocolViolation)
		}
	case raftpb.MsgApp:
		for i, e := range m.Entries {
			if e.Index != m.Index+1+uint64(i) {
				return fmt.Errorf("%w: entry %d does not follow index %d", ErrProtocolViolation, e.Index, m.Index+uint64(i))
			}
			if e.Term > m.Term {
				return fmt.Errorf("%w: entry %d has term %d beyond message term %d", ErrProtocolViolation, e.Index, e.Term, m.Term)
			}
		}
	}
	return nil
}

func (r *Raft) stepFollower(m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgApp:
		r.electionElapsed = 0
		r.lead = m.From
		return r.handleAppendEntries(m)
	case raftpb.MsgSnap:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleSnapshot(m)
	}
	return nil
}

func (r *Raft) stepCandidate(m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgApp:
		r.becomeFollower(m.Term, m.From)
		return r.handleAppendEntries(m)
	case raftpb.MsgSnap:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case raftpb.MsgVoteResp:
		r.handleVoteResponse(m)
	}
	return nil
}

func (r *Raft) stepLeader(m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgAppResp:
		r.handleAppendResponse(m)
	case raftpb.MsgApp, raftpb.MsgSnap:
		return fmt.Errorf("%w: %s from %s while leading term %d", ErrProtocolViolation, m.Type, m.From, r.term)
	}
	return nil
}

// Campaign starts an election immediately.
func (r *Raft) Campaign() error {
	if r.state == Leader {
		return ErrAlreadyLeader
	}
	r.campaign()
	return nil
}

type Status struct {
	ID         string
	Term       uint64
	Vote       string
	State      State
	Lead       string
	Commit     uint64
	FirstIndex uint64
	LastIndex  uint64
	Voters     []string
	// Progress is only set on the leader.
	Progress map[string]Progress
}

func (r *Raft) Status() Status {
	s := Status{
		ID:         r.id,
		Term:       r.term,
		Vote:       r.vote,
		State:      r.state,
		Lead:       r.lead,
		Commit:     r.raftLog.committed,
		FirstIndex: r.raftLog.firstIndex(),
		LastIndex:  r.raftLog.lastIndex(),
		Voters:     slices.Clone(r.voters),
	}
	if r.state == Leader {
		s.Progress = make(map[string]Progress, len(r.prs))
		for id, pr := range r.prs {
			s.Progress[id] = *pr
		}
	}
	return s
}
