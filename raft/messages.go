package raft

import (
	"github.com/nexus-streaming/nexus/storage"
)

// Role is the consensus role of an engine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "unknown"
}

// VoteRequest represents the arguments for a RequestVote RPC.
//
// LastLogTerm is 0 when the candidate's log has never held an entry, in
// which case LastLogIndex is meaningless.
type VoteRequest struct {
	Group        string
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// VoteResponse represents the results of a RequestVote RPC.
type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest represents the arguments for an AppendEntries RPC.
//
// PrevLogIndex and PrevLogTerm identify the entry just before Entries.
// PrevLogTerm is 0 when Entries start at offset 0. LeaderCommit is the
// number of entries the leader knows to be committed, so every offset below
// it is committed.
type AppendEntriesRequest struct {
	Group        string
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*storage.Entry
	LeaderCommit uint64
}

// start returns the offset of the first entry carried by the request.
func (r *AppendEntriesRequest) start() uint64 {
	if r.PrevLogTerm == 0 {
		return 0
	}
	return r.PrevLogIndex + 1
}

// size returns the encoded size of the carried entries.
func (r *AppendEntriesRequest) size() int {
	var n int
	for _, e := range r.Entries {
		n += e.Size()
	}
	return n
}

// AppendEntriesResponse represents the results of an AppendEntries RPC.
//
// On rejection ConflictIndex is the offset the leader should retry from:
// the follower's NextIndex when its log is too short, otherwise the first
// offset of the conflicting term.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
}

// Status is a point-in-time copy of an engine's volatile state.
type Status struct {
	ID     uint64
	Group  string
	Role   Role
	Term   uint64
	Leader uint64 // 0 when unknown

	// Committed is the number of committed entries: every offset below it
	// is committed. Applied <= Committed always holds.
	Committed uint64
	Applied   uint64

	FirstIndex uint64
	NextIndex  uint64

	// Healthy is false once the engine has observed a storage failure.
	Healthy bool
}

// CommitIndex returns the highest committed offset, if any.
func (s Status) CommitIndex() (uint64, bool) {
	if s.Committed == 0 {
		return 0, false
	}
	return s.Committed - 1, true
}
