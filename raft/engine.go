// Package raft implements the consensus engine that orders the writes of a
// partition and replicates them to its replica set.
//
// Each engine is an actor: a single goroutine drains an event queue and is
// the only code that touches the engine's term, log, commit state and role.
// Proposals, inbound RPCs, RPC responses and timer firings all become events
// on that queue. Timers carry a generation number so that firings from a
// timer that was reset in the meantime are ignored.
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nexus-streaming/nexus"
	perrors "github.com/nexus-streaming/nexus/kit/platform/errors"
	"github.com/nexus-streaming/nexus/logger"
	"github.com/nexus-streaming/nexus/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// eventQueueSize is the capacity of an engine's event queue.
const eventQueueSize = 256

// Engine is the consensus engine of one partition.
type Engine struct {
	config Config
	id     uint64
	group  string
	peers  []uint64 // replica set without the local node
	quorum int

	log    storage.LogStore
	state  storage.StateStore
	clock  clock.Clock
	logger *zap.Logger
	rand   *rand.Rand
	m      *engineMetrics

	openMu sync.Mutex
	opened bool
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan func()

	mu     sync.RWMutex
	status Status

	// Everything below is owned by the run loop.

	role      Role
	term      uint64
	votedFor  uint64
	leader    uint64
	committed uint64
	applied   uint64
	votes     map[uint64]bool
	err       error // storage failure that stopped the engine

	electionTimer  *clock.Timer
	electionGen    uint64
	heartbeatTimer *clock.Timer
	heartbeatGen   uint64

	progress    map[uint64]*progress
	replicators map[uint64]*replicator

	waiters map[uint64][]*waiter
	pending []notification
}

// NewEngine returns an engine for the configuration. The engine does nothing
// until Open is called.
func NewEngine(c Config) (*Engine, error) {
	c = c.withDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:  c,
		id:      c.ID,
		group:   c.Group,
		quorum:  len(c.Peers)/2 + 1,
		log:     c.Log,
		state:   c.State,
		clock:   c.Clock,
		logger:  c.Logger.With(logger.Group(c.Group), logger.NodeID(c.ID)),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(c.ID))),
		events:  make(chan func(), eventQueueSize),
		waiters: make(map[uint64][]*waiter),
	}
	for _, id := range c.Peers {
		if id != c.ID {
			e.peers = append(e.peers, id)
		}
	}
	metrics := c.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	e.m = newEngineMetrics(metrics, c.Group)
	return e, nil
}

// ID returns the local node id.
func (e *Engine) ID() uint64 { return e.id }

// Group returns the name of the consensus group.
func (e *Engine) Group() string { return e.group }

// Open restores the persisted state and starts the engine as a follower.
func (e *Engine) Open() error {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	if e.closed {
		return ErrClosed
	} else if e.opened {
		return ErrAlreadyOpen
	}

	hs, err := e.state.HardState()
	if err != nil {
		return err
	}
	e.term, e.votedFor = hs.Term, hs.VotedFor

	// Compacted entries were committed before they were removed.
	e.committed = e.log.FirstIndex()
	e.applied = e.committed
	e.role = Follower

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.opened = true
	e.resetElectionTimer()
	e.publish()

	e.wg.Add(1)
	go e.run()

	e.logger.Info("Consensus engine opened",
		logger.Term(e.term),
		zap.Uint64("first_index", e.log.FirstIndex()),
		zap.Uint64("next_index", e.log.NextIndex()))
	return nil
}

// Close stops the engine and its replication streams. It does not close
// the stores. A closed engine cannot be reopened.
func (e *Engine) Close() error {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	if !e.opened {
		return nil
	}
	e.opened, e.closed = false, true
	e.cancel()
	e.wg.Wait()
	return nil
}

// run drains the event queue until the engine is closed.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			e.shutdown()
			return
		case fn := <-e.events:
			fn()
			e.publish()
			e.flush()
		}
	}
}

func (e *Engine) shutdown() {
	e.stopElectionTimer()
	e.stopHeartbeat()
	e.stopReplication()
	e.failWaiters(ErrClosed)
	e.flush()
}

// submit queues fn for the run loop.
func (e *Engine) submit(ctx context.Context, fn func()) error {
	select {
	case e.events <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// post queues fn from a timer or RPC goroutine.
func (e *Engine) post(fn func()) {
	_ = e.submit(context.Background(), fn)
}

// call runs fn on the run loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	if !e.isOpen() {
		return ErrClosed
	}
	done := make(chan error, 1)
	if err := e.submit(ctx, func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Engine) isOpen() bool {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	return e.opened
}

// Status returns a copy of the engine's volatile state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Leader returns the id of the node believed to lead the group, or 0.
func (e *Engine) Leader() uint64 { return e.Status().Leader }

// IsLeader returns true if the local node leads the group.
func (e *Engine) IsLeader() bool { return e.Status().Role == Leader }

// publish refreshes the status copy read by other goroutines.
func (e *Engine) publish() {
	s := Status{
		ID:         e.id,
		Group:      e.group,
		Role:       e.role,
		Term:       e.term,
		Leader:     e.leader,
		Committed:  e.committed,
		Applied:    e.applied,
		FirstIndex: e.log.FirstIndex(),
		NextIndex:  e.log.NextIndex(),
		Healthy:    e.err == nil,
	}
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()

	e.m.term.Set(float64(s.Term))
	e.m.committed.Set(float64(s.Committed))
	if s.Role == Leader {
		e.m.isLeader.Set(1)
	} else {
		e.m.isLeader.Set(0)
	}
	for peer, pr := range e.progress {
		e.m.peerGauges(e.group, peer, pr.inflightBytes, pr.stalled)
	}
}

// Propose appends cmd to the log if the local node is the leader. The
// returned proposal identifies the entry; it is durable on the leader but
// not yet committed.
func (e *Engine) Propose(ctx context.Context, cmd []byte) (*Proposal, error) {
	var p *Proposal
	err := e.call(ctx, func() error {
		if e.err != nil {
			return errUnhealthy("raft.Propose", e.err)
		} else if e.role != Leader {
			return errNotLeader(e.group, e.leader)
		} else if len(cmd) > storage.MaxEntrySize {
			return errTooLarge(len(cmd))
		}

		ent := &storage.Entry{
			Index:     e.log.NextIndex(),
			Term:      e.term,
			Timestamp: e.clock.Now().UnixNano(),
			Command:   cmd,
		}
		if _, err := e.log.Append(ent); err != nil {
			if errors.Is(err, storage.ErrEntryTooLarge) {
				return errTooLarge(len(cmd))
			} else if !nexus.IsIOError(err) {
				return &perrors.Error{Code: perrors.EInternal, Op: "raft.Propose", Err: err}
			}
			e.fail(err)
			return errUnhealthy("raft.Propose", err)
		}
		p = e.newProposal(ent)

		e.maybeCommit()
		e.broadcastAppend(false)
		return nil
	})
	if err != nil {
		e.m.proposalsFailed.Inc()
		return nil, err
	}
	e.m.proposalsAccepted.Inc()
	return p, nil
}

// Elect starts an election immediately unless the local node already leads.
func (e *Engine) Elect(ctx context.Context) error {
	return e.call(ctx, func() error {
		if e.err != nil {
			return errUnhealthy("raft.Elect", e.err)
		}
		e.campaign()
		return nil
	})
}

// Compact applies a retention policy to the log. The policy's limit is
// lowered to the committed prefix and, on the leader, to the lowest
// follower match so that no replica needs a removed entry.
func (e *Engine) Compact(ctx context.Context, p storage.RetentionPolicy) (int, error) {
	var n int
	err := e.call(ctx, func() error {
		if e.err != nil {
			return errUnhealthy("raft.Compact", e.err)
		}
		limit := e.committed
		if e.role == Leader {
			for _, pr := range e.progress {
				if pr.match < limit {
					limit = pr.match
				}
			}
		}
		if limit == 0 {
			return nil
		}
		if p.Limit == 0 || p.Limit > limit {
			p.Limit = limit
		}

		var err error
		if n, err = e.log.Compact(p); err != nil {
			e.fail(err)
			return errUnhealthy("raft.Compact", err)
		}
		if n > 0 {
			e.logger.Debug("Compacted log", zap.Int("removed", n), zap.Uint64("first_index", e.log.FirstIndex()))
		}
		return nil
	})
	return n, err
}

// HandleRequestVote serves a vote request from a candidate.
func (e *Engine) HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	var resp *VoteResponse
	err := e.call(ctx, func() error {
		if e.err != nil {
			return errUnhealthy("raft.RequestVote", e.err)
		}
		if req.Term < e.term {
			resp = &VoteResponse{Term: e.term}
			return nil
		}
		if req.Term > e.term {
			e.becomeFollower(req.Term, 0)
			if e.err != nil {
				return errUnhealthy("raft.RequestVote", e.err)
			}
		}

		lastIndex, lastTerm, err := e.lastLog()
		if err != nil {
			e.fail(err)
			return errUnhealthy("raft.RequestVote", err)
		}
		upToDate := req.LastLogTerm > lastTerm ||
			(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

		resp = &VoteResponse{Term: e.term}
		if (e.votedFor == 0 || e.votedFor == req.CandidateID) && upToDate {
			if err := e.setHardState(e.term, req.CandidateID); err != nil {
				return errUnhealthy("raft.RequestVote", err)
			}
			resp.VoteGranted = true
			e.resetElectionTimer()
		}
		return nil
	})
	return resp, err
}

// HandleAppendEntries serves entries or a heartbeat from a leader.
func (e *Engine) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var resp *AppendEntriesResponse
	err := e.call(ctx, func() error {
		if e.err != nil {
			return errUnhealthy("raft.AppendEntries", e.err)
		}
		if req.Term < e.term {
			resp = &AppendEntriesResponse{Term: e.term}
			return nil
		}
		if req.Term > e.term || e.role != Follower || e.leader != req.LeaderID {
			e.becomeFollower(req.Term, req.LeaderID)
			if e.err != nil {
				return errUnhealthy("raft.AppendEntries", e.err)
			}
		} else {
			e.resetElectionTimer()
		}

		r, err := e.appendEntries(req)
		if err != nil {
			e.fail(err)
			return errUnhealthy("raft.AppendEntries", err)
		}
		resp = r
		return nil
	})
	return resp, err
}

// appendEntries applies a leader's request to the local log.
func (e *Engine) appendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	next, first := e.log.NextIndex(), e.log.FirstIndex()

	if req.PrevLogTerm != 0 {
		prev := req.PrevLogIndex
		if prev >= next {
			return &AppendEntriesResponse{Term: e.term, ConflictIndex: next}, nil
		}
		// Entries below the compaction base were committed and match.
		if prev+1 >= first {
			t, err := storage.TermAt(e.log, prev)
			if err != nil {
				return nil, err
			}
			if t != req.PrevLogTerm {
				conflict, err := e.firstIndexOfTerm(prev, t)
				if err != nil {
					return nil, err
				}
				return &AppendEntriesResponse{Term: e.term, ConflictIndex: conflict}, nil
			}
		}
	}

	// Skip entries already present, truncate at the first conflict.
	entries := req.Entries
	for len(entries) > 0 {
		ent := entries[0]
		if ent.Index < first {
			entries = entries[1:]
			continue
		} else if ent.Index >= e.log.NextIndex() {
			break
		}

		t, err := storage.TermAt(e.log, ent.Index)
		if err != nil {
			return nil, err
		} else if t == ent.Term {
			entries = entries[1:]
			continue
		}

		if ent.Index < e.committed {
			return nil, fmt.Errorf("raft: leader %d sent entry %d of term %d over committed entry of term %d",
				req.LeaderID, ent.Index, ent.Term, t)
		}
		if err := e.log.TruncateFrom(ent.Index); err != nil {
			return nil, err
		}
		e.discardFrom(ent.Index)
		e.logger.Info("Truncated conflicting entries",
			logger.Index(ent.Index),
			logger.Term(e.term))
		break
	}
	if len(entries) > 0 {
		if _, err := e.log.Append(entries...); err != nil {
			return nil, err
		}
	}

	// Only entries verified by this request are known to match the leader.
	matched := req.start() + uint64(len(req.Entries))
	if req.LeaderCommit > e.committed {
		c := req.LeaderCommit
		if c > matched {
			c = matched
		}
		if c > e.committed {
			e.setCommitted(c)
		}
	}
	return &AppendEntriesResponse{Term: e.term, Success: true}, nil
}

// firstIndexOfTerm returns the lowest offset at or below index holding
// term, without crossing the committed prefix.
func (e *Engine) firstIndexOfTerm(index, term uint64) (uint64, error) {
	lo := e.committed
	if first := e.log.FirstIndex(); lo < first {
		lo = first
	}
	for index > lo {
		t, err := storage.TermAt(e.log, index-1)
		if err != nil {
			return 0, err
		} else if t != term {
			break
		}
		index--
	}
	return index, nil
}

// lastLog returns the offset and term of the last log entry. Both are 0
// for a log that never held an entry.
func (e *Engine) lastLog() (uint64, uint64, error) {
	next := e.log.NextIndex()
	if next == 0 {
		return 0, 0, nil
	}
	t, err := storage.TermAt(e.log, next-1)
	return next - 1, t, err
}

// setHardState persists a new term and vote.
func (e *Engine) setHardState(term, votedFor uint64) error {
	if term == e.term && votedFor == e.votedFor {
		return nil
	}
	if err := e.state.SetHardState(storage.HardState{Term: term, VotedFor: votedFor}); err != nil {
		e.fail(err)
		return err
	}
	e.term, e.votedFor = term, votedFor
	return nil
}

// campaign starts an election for the next term.
func (e *Engine) campaign() {
	if e.err != nil || e.role == Leader {
		return
	}
	if err := e.setHardState(e.term+1, e.id); err != nil {
		return
	}
	e.role = Candidate
	e.leader = 0
	e.votes = map[uint64]bool{e.id: true}
	e.m.elections.Inc()
	e.logger.Info("Starting election", logger.Term(e.term))

	e.resetElectionTimer()
	if len(e.votes) >= e.quorum {
		e.becomeLeader()
		return
	}

	lastIndex, lastTerm, err := e.lastLog()
	if err != nil {
		e.fail(err)
		return
	}
	for _, peer := range e.peers {
		req := &VoteRequest{
			Group:        e.group,
			Term:         e.term,
			CandidateID:  e.id,
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		}
		e.wg.Add(1)
		go e.requestVote(peer, req)
	}
}

func (e *Engine) requestVote(peer uint64, req *VoteRequest) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.RPCTimeout)
	defer cancel()
	resp, err := e.config.Transport.RequestVote(ctx, peer, req)
	if err != nil {
		e.m.voteErrors.Inc()
		e.logger.Debug("Vote request failed", logger.NodeID(peer), zap.Error(err))
		return
	}
	e.post(func() { e.handleVoteResponse(peer, req, resp) })
}

func (e *Engine) handleVoteResponse(peer uint64, req *VoteRequest, resp *VoteResponse) {
	if e.err != nil {
		return
	}
	if resp.Term > e.term {
		e.becomeFollower(resp.Term, 0)
		return
	}
	if e.role != Candidate || req.Term != e.term || !resp.VoteGranted {
		return
	}
	e.votes[peer] = true
	if len(e.votes) >= e.quorum {
		e.becomeLeader()
	}
}

// becomeFollower steps down to follower of leader in term.
func (e *Engine) becomeFollower(term, leader uint64) {
	if term > e.term {
		if err := e.setHardState(term, 0); err != nil {
			return
		}
	}
	if e.role != Follower || e.leader != leader {
		e.logger.Info("Following", logger.Term(term), zap.Uint64("leader", leader))
	}
	if e.role == Leader {
		e.stopHeartbeat()
		e.stopReplication()
	}
	e.role = Follower
	e.leader = leader
	e.votes = nil
	e.resetElectionTimer()
}

// becomeLeader takes leadership of the current term and starts replicating.
func (e *Engine) becomeLeader() {
	e.role = Leader
	e.leader = e.id
	e.votes = nil
	e.stopElectionTimer()
	e.logger.Info("Elected leader", logger.Term(e.term), zap.Uint64("next_index", e.log.NextIndex()))

	e.startReplication()
	e.maybeCommit()
	e.broadcastAppend(true)
	e.scheduleHeartbeat()
}

// maybeCommit advances the commit point to the highest offset stored on a
// quorum, provided the entry there belongs to the current term.
func (e *Engine) maybeCommit() {
	if e.role != Leader || e.err != nil {
		return
	}
	matches := make([]uint64, 0, len(e.progress)+1)
	matches = append(matches, e.log.NextIndex())
	for _, pr := range e.progress {
		matches = append(matches, pr.match)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	n := matches[e.quorum-1]
	if n <= e.committed {
		return
	}
	t, err := storage.TermAt(e.log, n-1)
	if err != nil {
		e.fail(err)
		return
	} else if t != e.term {
		return
	}
	e.setCommitted(n)

	// Followers learn the new commit point right away.
	e.broadcastAppend(true)
}

// setCommitted records a new commit point and applies what it covers.
func (e *Engine) setCommitted(n uint64) {
	e.committed = n
	e.apply()
	e.resolveCommitted()
}

// apply hands committed entries to the FSM in order.
func (e *Engine) apply() {
	if first := e.log.FirstIndex(); e.applied < first {
		e.applied = first
	}
	for e.applied < e.committed && e.err == nil {
		end := e.applied + uint64(e.config.MaxEntriesPerRequest)
		if end > e.committed {
			end = e.committed
		}
		entries, err := e.log.ReadRange(e.applied, end-1)
		if err != nil {
			e.fail(err)
			return
		} else if len(entries) == 0 {
			return
		}
		for _, ent := range entries {
			if e.config.FSM != nil {
				e.config.FSM.Apply(ent)
			}
			e.applied = ent.Index + 1
		}
	}
}

// fail stops the engine after a storage failure. It stays a follower that
// rejects every request until it is reopened on healthy storage.
func (e *Engine) fail(err error) {
	if e.err != nil {
		return
	}
	e.err = err
	e.logger.Error("Storage failure, partition stopped", zap.Error(err))
	e.m.storageFailure.Set(1)

	e.stopElectionTimer()
	e.stopHeartbeat()
	e.stopReplication()
	e.role = Follower
	e.leader = 0
	e.failWaiters(errUnhealthy("raft.Wait", err))
}

func (e *Engine) resetElectionTimer() {
	e.stopElectionTimer()
	if e.err != nil {
		return
	}
	gen := e.electionGen
	d := e.config.ElectionTimeout + time.Duration(e.rand.Int63n(int64(e.config.ElectionTimeout)))
	e.electionTimer = e.clock.AfterFunc(d, func() {
		e.post(func() {
			if gen == e.electionGen {
				e.campaign()
			}
		})
	})
}

func (e *Engine) stopElectionTimer() {
	e.electionGen++
	if e.electionTimer != nil {
		e.electionTimer.Stop()
		e.electionTimer = nil
	}
}

func (e *Engine) scheduleHeartbeat() {
	e.heartbeatGen++
	gen := e.heartbeatGen
	e.heartbeatTimer = e.clock.AfterFunc(e.config.HeartbeatInterval, func() {
		e.post(func() {
			if gen != e.heartbeatGen || e.role != Leader {
				return
			}
			e.broadcastAppend(true)
			e.scheduleHeartbeat()
		})
	})
}

func (e *Engine) stopHeartbeat() {
	e.heartbeatGen++
	if e.heartbeatTimer != nil {
		e.heartbeatTimer.Stop()
		e.heartbeatTimer = nil
	}
}

// engineMetrics are the metrics of one engine, bound to its group.
type engineMetrics struct {
	term              prometheus.Gauge
	isLeader          prometheus.Gauge
	committed         prometheus.Gauge
	storageFailure    prometheus.Gauge
	elections         prometheus.Counter
	proposalsAccepted prometheus.Counter
	proposalsFailed   prometheus.Counter
	rejects           prometheus.Counter
	voteErrors        prometheus.Counter
	appendErrors      prometheus.Counter
	inflightBytes     *prometheus.GaugeVec
	stalledFollowers  *prometheus.GaugeVec
}

func newEngineMetrics(m *Metrics, group string) *engineMetrics {
	return &engineMetrics{
		term:              m.Term.WithLabelValues(group),
		isLeader:          m.IsLeader.WithLabelValues(group),
		committed:         m.Committed.WithLabelValues(group),
		storageFailure:    m.StorageFailure.WithLabelValues(group),
		elections:         m.Elections.WithLabelValues(group),
		proposalsAccepted: m.Proposals.WithLabelValues(group, "accepted"),
		proposalsFailed:   m.Proposals.WithLabelValues(group, "failed"),
		rejects:           m.AppendRejects.WithLabelValues(group),
		voteErrors:        m.RPCErrors.WithLabelValues(group, "vote"),
		appendErrors:      m.RPCErrors.WithLabelValues(group, "append"),
		inflightBytes:     m.InflightBytes,
		stalledFollowers:  m.Stalled,
	}
}

// peerGauges sets the per-follower gauges of the leader.
func (m *engineMetrics) peerGauges(group string, peer uint64, inflightBytes int, stalled bool) {
	id := strconv.FormatUint(peer, 10)
	m.inflightBytes.WithLabelValues(group, id).Set(float64(inflightBytes))
	var v float64
	if stalled {
		v = 1
	}
	m.stalledFollowers.WithLabelValues(group, id).Set(v)
}
