package raftpb

import (
	"fmt"
	"slices"
)

type Entry struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
	Data  []byte `json:"data,omitempty"`
}

type HardState struct {
	Term   uint64 `json:"term"`
	Vote   string `json:"vote,omitempty"`
	Commit uint64 `json:"commit"`
}

func (hs HardState) Equal(o HardState) bool {
	return hs.Term == o.Term && hs.Vote == o.Vote && hs.Commit == o.Commit
}

func IsEmptyHardState(hs HardState) bool {
	return hs.Equal(HardState{})
}

// ConfState is the set of voting members. It is fixed at startup.
type ConfState struct {
	Voters []string `json:"voters"`
}

func (cs ConfState) Equal(o ConfState) bool {
	a := slices.Clone(cs.Voters)
	b := slices.Clone(o.Voters)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

type SnapshotMetadata struct {
	Index     uint64    `json:"index"`
	Term      uint64    `json:"term"`
	ConfState ConfState `json:"conf_state"`
}

type Snapshot struct {
	Metadata SnapshotMetadata `json:"metadata"`
	Data     []byte           `json:"data,omitempty"`
}

func IsEmptySnap(s Snapshot) bool {
	return s.Metadata.Index == 0
}

type MessageType int

const (
	MsgVote MessageType = iota + 1
	MsgVoteResp
	MsgApp
	MsgAppResp
	MsgSnap
)

var messageTypeNames = map[MessageType]string{
	MsgVote:     "MsgVote",
	MsgVoteResp: "MsgVoteResp",
	MsgApp:      "MsgApp",
	MsgAppResp:  "MsgAppResp",
	MsgSnap:     "MsgSnap",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// Message is the single peer protocol frame. Field meaning depends on Type:
//
//	MsgVote     Index/LogTerm = candidate last log index/term
//	MsgVoteResp Granted
//	MsgApp      Index/LogTerm = prev log index/term, Entries, Commit = leader commit
//	MsgAppResp  Reject, Index = match index, RejectHint = follower last index
//	MsgSnap     Snapshot
type Message struct {
	Type       MessageType `json:"type"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Term       uint64      `json:"term"`
	LogTerm    uint64      `json:"log_term,omitempty"`
	Index      uint64      `json:"index,omitempty"`
	Entries    []Entry     `json:"entries,omitempty"`
	Commit     uint64      `json:"commit,omitempty"`
	Reject     bool        `json:"reject,omitempty"`
	RejectHint uint64      `json:"reject_hint,omitempty"`
	Granted    bool        `json:"granted,omitempty"`
	Snapshot   *Snapshot   `json:"snapshot,omitempty"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s->%s term=%d index=%d logterm=%d entries=%d commit=%d reject=%t granted=%t",
		m.Type, m.From, m.To, m.Term, m.Index, m.LogTerm, len(m.Entries), m.Commit, m.Reject, m.Granted)
}
