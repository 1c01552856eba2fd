package raft

import (
	"context"

	"github.com/nexus-streaming/nexus/storage"
)

// Proposal identifies an entry appended by Propose. Its outcome is tracked
// from the moment the entry is appended, so a truncation that happens before
// Wait is called is still reported.
type Proposal struct {
	Index uint64
	Term  uint64

	w      *waiter
	closed <-chan struct{}
}

// newProposal registers a waiter for an entry just appended by the leader.
func (e *Engine) newProposal(ent *storage.Entry) *Proposal {
	w := &waiter{index: ent.Index, term: ent.Term, done: make(chan struct{})}
	e.waiters[w.index] = append(e.waiters[w.index], w)
	return &Proposal{Index: ent.Index, Term: ent.Term, w: w, closed: e.ctx.Done()}
}

// Wait blocks until the entry commits, is discarded by a later leader, or
// ctx is done. Cancelling ctx abandons the wait; the entry may still commit
// and a later Wait reports it. Wait may be called any number of times.
func (p *Proposal) Wait(ctx context.Context) error {
	select {
	case <-p.w.done:
		return p.w.err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		select {
		case <-p.w.done:
			return p.w.err
		default:
			return ErrClosed
		}
	}
}

type waiter struct {
	index uint64
	term  uint64

	done chan struct{}
	err  error
}

type notification struct {
	w   *waiter
	err error
}

// notify schedules the delivery of a result. Results are delivered after
// the status is published so that a woken caller sees the new commit point.
func (e *Engine) notify(w *waiter, err error) {
	e.pending = append(e.pending, notification{w: w, err: err})
}

// flush delivers the scheduled results.
func (e *Engine) flush() {
	for _, n := range e.pending {
		n.w.err = n.err
		close(n.w.done)
	}
	e.pending = e.pending[:0]
}

// committedResult returns the result for a waiter whose offset is committed.
// The committed entry is the proposal unless another term wrote it. Waiters
// are resolved as soon as their offset commits, before retention can remove
// it, so an unknown term is never taken as success.
func (e *Engine) committedResult(w *waiter) error {
	t, err := storage.TermAt(e.log, w.index)
	if err != nil {
		return errUnhealthy("raft.Wait", err)
	}
	if t == w.term {
		return nil
	} else if t == 0 && w.index < e.log.FirstIndex() {
		return errUnverifiable(e.group, w.index, e.leader)
	}
	return errDiscarded(e.group, w.index, e.leader)
}

// resolveCommitted completes the waiters covered by the commit point.
func (e *Engine) resolveCommitted() {
	for index, ws := range e.waiters {
		if index >= e.committed {
			continue
		}
		for _, w := range ws {
			e.notify(w, e.committedResult(w))
		}
		delete(e.waiters, index)
	}
}

// discardFrom fails the waiters of entries removed by a truncation.
func (e *Engine) discardFrom(index uint64) {
	for i, ws := range e.waiters {
		if i < index {
			continue
		}
		for _, w := range ws {
			e.notify(w, errDiscarded(e.group, i, e.leader))
		}
		delete(e.waiters, i)
	}
}

func (e *Engine) failWaiters(err error) {
	for i, ws := range e.waiters {
		for _, w := range ws {
			e.notify(w, err)
		}
		delete(e.waiters, i)
	}
}
