package raft

import (
	"errors"
	"fmt"

	"github.com/nexus-streaming/nexus"
	perrors "github.com/nexus-streaming/nexus/kit/platform/errors"
	"github.com/nexus-streaming/nexus/storage"
)

var (
	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("raft: engine closed")

	// ErrAlreadyOpen is returned when opening an engine twice.
	ErrAlreadyOpen = errors.New("raft: engine already open")

	// ErrGroupNotFound is returned by a Mux that has no engine for a group.
	ErrGroupNotFound = errors.New("raft: group not found")

	// ErrUnreachable is returned by transports when the peer cannot be reached.
	ErrUnreachable = errors.New("raft: node unreachable")

	// ErrClusterMismatch is returned when a request comes from another cluster.
	ErrClusterMismatch = errors.New("raft: cluster id mismatch")
)

// errNotLeader returns the error for a proposal made to a non-leader.
func errNotLeader(group string, leader uint64) error {
	return nexus.NewNotLeaderError("raft.Propose", group, leader)
}

// errDiscarded returns the error for a proposal whose entry was replaced by
// a later leader before it committed.
func errDiscarded(group string, index, leader uint64) error {
	return &perrors.Error{
		Code: nexus.ENotLeader,
		Op:   "raft.Wait",
		Msg:  fmt.Sprintf("entry %d discarded", index),
		Err:  &nexus.NotLeaderError{Group: group, Leader: leader},
	}
}

// errTooLarge returns the error for a command the log cannot hold.
func errTooLarge(n int) error {
	return &perrors.Error{
		Code: perrors.EInvalid,
		Op:   "raft.Propose",
		Msg:  fmt.Sprintf("command of %d bytes exceeds the %d byte limit", n, storage.MaxEntrySize),
		Err:  storage.ErrEntryTooLarge,
	}
}

// errUnverifiable returns the error for a waiter whose entry was removed by
// retention before its term could be checked.
func errUnverifiable(group string, index, leader uint64) error {
	return &perrors.Error{
		Code: nexus.ENotLeader,
		Op:   "raft.Wait",
		Msg:  fmt.Sprintf("outcome of entry %d unknown, entry compacted", index),
		Err:  &nexus.NotLeaderError{Group: group, Leader: leader},
	}
}

// errUnhealthy wraps the storage failure that stopped an engine.
func errUnhealthy(op string, cause error) error {
	if nexus.IsIOError(cause) {
		return &perrors.Error{Op: op, Err: cause}
	}
	return &perrors.Error{Code: nexus.EIO, Op: op, Err: cause}
}
