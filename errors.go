package nexus

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nexus-streaming/nexus/kit/platform/errors"
)

// Domain error codes. They complement the generic codes in kit/platform/errors.
const (
	// ENotLeader is returned when a write reaches a replica that does not
	// lead the partition. The caller retries against the current leader.
	ENotLeader = "not leader"

	// ETimeout is returned when a write is not committed in time. The write
	// may still commit later, so retries risk duplicates.
	ETimeout = "timeout"

	// EIO is returned when durable storage fails. It is fatal to the
	// partition that observed it.
	EIO = "io error"
)

// NotLeaderError carries the leader hint of a rejected write.
type NotLeaderError struct {
	Group  string
	Leader uint64 // zero if unknown
}

func (e *NotLeaderError) Error() string {
	if e.Leader == 0 {
		return fmt.Sprintf("not leader for %s: leader unknown", e.Group)
	}
	return fmt.Sprintf("not leader for %s: leader is node %d", e.Group, e.Leader)
}

// NewNotLeaderError returns an ENotLeader error for the group.
func NewNotLeaderError(op, group string, leader uint64) *errors.Error {
	return &errors.Error{
		Code: ENotLeader,
		Op:   op,
		Err:  &NotLeaderError{Group: group, Leader: leader},
	}
}

// LeaderHint returns the leader carried by a not-leader error.
func LeaderHint(err error) (uint64, bool) {
	var e *NotLeaderError
	if stderrors.As(err, &e) && e.Leader != 0 {
		return e.Leader, true
	}
	return 0, false
}

// NewTimeoutError wraps a context error from a write that did not commit in time.
func NewTimeoutError(op string, err error) *errors.Error {
	return &errors.Error{
		Code: ETimeout,
		Op:   op,
		Msg:  "write not committed before deadline",
		Err:  err,
	}
}

// NewDuplicateTopicError is returned when creating a topic whose name is taken.
func NewDuplicateTopicError(name string) *errors.Error {
	return &errors.Error{
		Code: errors.EConflict,
		Op:   "broker.CreateTopic",
		Msg:  fmt.Sprintf("topic %q already exists", name),
	}
}

// NewPartitionNotFoundError is returned for unknown topics or partitions and
// for partitions not hosted by this node.
func NewPartitionNotFoundError(op, topic string, partition int32) *errors.Error {
	return &errors.Error{
		Code: errors.ENotFound,
		Op:   op,
		Msg:  fmt.Sprintf("partition %s not found", GroupName(topic, partition)),
	}
}

// NewTopicNotFoundError is returned when a topic does not exist.
func NewTopicNotFoundError(op, topic string) *errors.Error {
	return &errors.Error{
		Code: errors.ENotFound,
		Op:   op,
		Msg:  fmt.Sprintf("topic %q not found", topic),
	}
}

// IsNotLeader reports whether err has the ENotLeader code.
func IsNotLeader(err error) bool { return errors.ErrorCode(err) == ENotLeader }

// IsTimeout reports whether err has the ETimeout code.
func IsTimeout(err error) bool { return errors.ErrorCode(err) == ETimeout }

// IsIOError reports whether err has the EIO code.
func IsIOError(err error) bool { return errors.ErrorCode(err) == EIO }

// IsNotFound reports whether err has the ENotFound code.
func IsNotFound(err error) bool { return errors.ErrorCode(err) == errors.ENotFound }

// IsConflict reports whether err has the EConflict code.
func IsConflict(err error) bool { return errors.ErrorCode(err) == errors.EConflict }

// IsContextError reports whether err is a context cancellation or deadline.
func IsContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
