package raft

import (
	"context"
	"time"

	"github.com/nexus-streaming/nexus/logger"
	"github.com/nexus-streaming/nexus/storage"
	"go.uber.org/zap"
)

// progressState is the replication mode of a follower.
type progressState int

const (
	// probe sends one request at a time until the leader finds the offset
	// where the follower's log matches its own.
	probe progressState = iota

	// replicate pipelines requests and advances next optimistically.
	replicate
)

// progress is the leader's view of one follower.
type progress struct {
	next  uint64 // next offset to send
	match uint64 // number of entries known to match the leader's log
	state progressState

	inflight      int
	inflightBytes int

	attempts int  // consecutive failed or rejected requests
	paused   bool // waiting for a back-off timer
	stalled  bool // needs entries removed by retention; cleared by a reseed
}

// canSend returns true if another request may be sent to the follower.
func (pr *progress) canSend(c *Config) bool {
	if pr.paused {
		return false
	} else if pr.state == probe {
		return pr.inflight == 0
	}
	return pr.inflight < c.MaxInflightRequests && pr.inflightBytes < c.MaxInflightBytes
}

// becomeProbe resets the follower to probing from next.
func (pr *progress) becomeProbe(next uint64) {
	if next < pr.match {
		next = pr.match
	}
	pr.state = probe
	pr.next = next
}

// replicator sends the requests queued for one follower in order.
type replicator struct {
	engine *Engine
	peer   uint64
	queue  chan *AppendEntriesRequest
	done   chan struct{}
}

func (e *Engine) startReplication() {
	next := e.log.NextIndex()
	e.progress = make(map[uint64]*progress, len(e.peers))
	e.replicators = make(map[uint64]*replicator, len(e.peers))
	for _, peer := range e.peers {
		e.progress[peer] = &progress{next: next, state: probe}
		r := &replicator{
			engine: e,
			peer:   peer,
			queue:  make(chan *AppendEntriesRequest, e.config.MaxInflightRequests+1),
			done:   make(chan struct{}),
		}
		e.replicators[peer] = r
		e.wg.Add(1)
		go r.run()
	}
}

func (e *Engine) stopReplication() {
	for peer, r := range e.replicators {
		close(r.done)
		e.m.peerGauges(e.group, peer, 0, false)
	}
	e.progress, e.replicators = nil, nil
}

func (r *replicator) run() {
	defer r.engine.wg.Done()
	e := r.engine
	for {
		select {
		case <-r.done:
			return
		case <-e.ctx.Done():
			return
		case req := <-r.queue:
			ctx, cancel := context.WithTimeout(e.ctx, e.config.RPCTimeout)
			resp, err := e.config.Transport.AppendEntries(ctx, r.peer, req)
			cancel()
			e.post(func() { e.handleAppendResponse(r.peer, req, resp, err) })
		}
	}
}

// enqueue hands a request to the sending goroutine without blocking.
func (r *replicator) enqueue(req *AppendEntriesRequest) bool {
	select {
	case r.queue <- req:
		return true
	default:
		return false
	}
}

// broadcastAppend replicates to every follower. Heartbeats are sent even
// when a follower has nothing new to receive.
func (e *Engine) broadcastAppend(heartbeat bool) {
	for _, peer := range e.peers {
		e.replicate(peer, heartbeat)
	}
}

// replicate sends as many requests to peer as its progress allows.
func (e *Engine) replicate(peer uint64, heartbeat bool) {
	pr := e.progress[peer]
	if pr == nil {
		return
	}
	sent := false
	for e.role == Leader && pr.canSend(&e.config) {
		if pr.next >= e.log.NextIndex() && (sent || !heartbeat) {
			return
		}
		if !e.sendAppend(peer, pr) {
			return
		}
		sent = true
		if pr.state == probe {
			return
		}
	}
}

// sendAppend queues one AppendEntries for peer starting at pr.next.
func (e *Engine) sendAppend(peer uint64, pr *progress) bool {
	from := pr.next
	req := &AppendEntriesRequest{
		Group:        e.group,
		Term:         e.term,
		LeaderID:     e.id,
		LeaderCommit: e.committed,
	}
	if from < e.log.FirstIndex() {
		if !pr.stalled {
			pr.stalled = true
			e.logger.Warn("Follower needs compacted entries",
				logger.NodeID(peer),
				logger.Index(from),
				zap.Uint64("first_index", e.log.FirstIndex()))
		}
		return false
	}
	pr.stalled = false

	if from > 0 {
		t, err := storage.TermAt(e.log, from-1)
		if err != nil {
			e.fail(err)
			return false
		}
		req.PrevLogIndex, req.PrevLogTerm = from-1, t
	}

	if next := e.log.NextIndex(); from < next {
		end := from + uint64(e.config.MaxEntriesPerRequest)
		if end > next {
			end = next
		}
		entries, err := e.log.ReadRange(from, end-1)
		if err != nil {
			e.fail(err)
			return false
		}

		// Keep at least one entry so that large entries still make progress.
		budget := e.config.MaxInflightBytes - pr.inflightBytes
		var n int
		for i, ent := range entries {
			n += ent.Size()
			if i > 0 && n > budget {
				entries = entries[:i]
				break
			}
		}
		req.Entries = entries
	}

	if !e.replicators[peer].enqueue(req) {
		return false
	}
	pr.inflight++
	pr.inflightBytes += req.size()
	if pr.state == replicate {
		pr.next = from + uint64(len(req.Entries))
	}
	return true
}

// handleAppendResponse processes the outcome of a request sent to peer.
func (e *Engine) handleAppendResponse(peer uint64, req *AppendEntriesRequest, resp *AppendEntriesResponse, err error) {
	if err == nil && resp.Term > e.term {
		e.becomeFollower(resp.Term, 0)
		return
	}
	pr := e.progress[peer]
	if pr == nil || e.role != Leader || req.Term != e.term {
		return
	}
	pr.inflight--
	pr.inflightBytes -= req.size()
	start := req.start()

	if err != nil {
		e.m.appendErrors.Inc()
		e.logger.Debug("AppendEntries failed", logger.NodeID(peer), zap.Error(err))
		if pr.state == replicate || start == pr.next {
			pr.becomeProbe(start)
			pr.attempts++
			e.backoff(peer, pr)
		}
		return
	}

	if resp.Success {
		pr.attempts = 0
		if m := start + uint64(len(req.Entries)); m > pr.match {
			pr.match = m
		}
		if pr.state == probe {
			pr.state = replicate
			pr.next = pr.match
		} else if pr.next < pr.match {
			pr.next = pr.match
		}
		e.maybeCommit()
		e.replicate(peer, false)
		return
	}

	// Rejected. Responses to requests sent before the last reset are stale.
	e.m.rejects.Inc()
	if pr.state != replicate && start != pr.next {
		return
	}
	prev := pr.next
	next := resp.ConflictIndex
	if start > 0 && next > start-1 {
		next = start - 1
	}
	pr.becomeProbe(next)
	pr.attempts++

	// A rejection that moved next back is retried right away; only
	// rejections that make no progress are delayed.
	if pr.next < prev || pr.attempts == 1 {
		e.replicate(peer, true)
		return
	}
	e.backoff(peer, pr)
}

// backoffDelay returns the delay before the next attempt to a follower.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	d := e.config.RetryBackoffMin
	for i := 1; i < attempts && d < e.config.RetryBackoffMax; i++ {
		d *= 2
	}
	if d > e.config.RetryBackoffMax {
		d = e.config.RetryBackoffMax
	}
	return d
}

// backoff pauses replication to peer and resumes it after a delay.
func (e *Engine) backoff(peer uint64, pr *progress) {
	if pr.paused {
		return
	}
	pr.paused = true
	e.clock.AfterFunc(e.backoffDelay(pr.attempts), func() {
		e.post(func() {
			if e.progress[peer] != pr || e.role != Leader {
				return
			}
			pr.paused = false
			e.replicate(peer, true)
		})
	})
}
