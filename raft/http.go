package raft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	"github.com/nexus-streaming/nexus"
	perrors "github.com/nexus-streaming/nexus/kit/platform/errors"
	"github.com/nexus-streaming/nexus/kit/tracing"
	kithttp "github.com/nexus-streaming/nexus/kit/transport/http"
	"github.com/nexus-streaming/nexus/storage"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/zap"
)

// HTTP headers carrying the scalar fields of the RPCs.
const (
	headerCluster       = "X-Raft-Cluster"
	headerError         = "X-Raft-Error"
	headerTerm          = "X-Raft-Term"
	headerCandidateID   = "X-Raft-Candidate-ID"
	headerLastLogIndex  = "X-Raft-Last-Log-Index"
	headerLastLogTerm   = "X-Raft-Last-Log-Term"
	headerVoteGranted   = "X-Raft-Vote-Granted"
	headerLeaderID      = "X-Raft-Leader-ID"
	headerPrevLogIndex  = "X-Raft-Prev-Log-Index"
	headerPrevLogTerm   = "X-Raft-Prev-Log-Term"
	headerLeaderCommit  = "X-Raft-Leader-Commit"
	headerSuccess       = "X-Raft-Success"
	headerConflictIndex = "X-Raft-Conflict-Index"
)

// HTTPHandler serves the consensus RPCs of every group hosted by a node.
//
// Routes:
//
//	POST /raft/{topic}/{partition}/vote
//	POST /raft/{topic}/{partition}/append
type HTTPHandler struct {
	chi.Router

	handler      Handler
	clusterID    string
	log          *zap.Logger
	errorHandler kithttp.ErrorHandler
}

// NewHTTPHandler returns a handler delegating to h, usually a Mux. Requests
// whose cluster id differs from clusterID are refused. Request metrics are
// recorded in m when it is not nil.
func NewHTTPHandler(h Handler, clusterID string, log *zap.Logger, m *kithttp.HTTPMetrics) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	hh := &HTTPHandler{
		Router:    chi.NewRouter(),
		handler:   h,
		clusterID: clusterID,
		log:       log,
	}

	hh.Use(kithttp.Trace("raft"))
	if m != nil {
		hh.Use(kithttp.Metrics("raft", m))
	}
	hh.Use(hh.checkCluster)

	hh.Post("/raft/{topic}/{partition}/vote", hh.serveRequestVote)
	hh.Post("/raft/{topic}/{partition}/append", hh.serveAppendEntries)
	return hh
}

// checkCluster refuses requests from nodes of another cluster.
func (h *HTTPHandler) checkCluster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(headerCluster); id != h.clusterID {
			h.log.Warn("Refused request from another cluster", zap.String("cluster_id", id))
			w.Header().Set(headerError, ErrClusterMismatch.Error())
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveRequestVote serves a vote request to the group's engine.
func (h *HTTPHandler) serveRequestVote(w http.ResponseWriter, r *http.Request) {
	req := &VoteRequest{Group: groupFromRoute(r)}

	var p headerParser
	req.Term = p.uint(r, headerTerm)
	req.CandidateID = p.uint(r, headerCandidateID)
	req.LastLogIndex = p.uint(r, headerLastLogIndex)
	req.LastLogTerm = p.uint(r, headerLastLogTerm)
	if p.err != nil {
		w.Header().Set(headerError, p.err.Error())
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp, err := h.handler.HandleRequestVote(r.Context(), req)
	if err != nil {
		h.handleError(r.Context(), err, w)
		return
	}

	w.Header().Set(headerTerm, strconv.FormatUint(resp.Term, 10))
	w.Header().Set(headerVoteGranted, strconv.FormatBool(resp.VoteGranted))
	w.WriteHeader(http.StatusOK)
}

// serveAppendEntries serves entries or a heartbeat to the group's engine.
func (h *HTTPHandler) serveAppendEntries(w http.ResponseWriter, r *http.Request) {
	req := &AppendEntriesRequest{Group: groupFromRoute(r)}

	var p headerParser
	req.Term = p.uint(r, headerTerm)
	req.LeaderID = p.uint(r, headerLeaderID)
	req.PrevLogIndex = p.uint(r, headerPrevLogIndex)
	req.PrevLogTerm = p.uint(r, headerPrevLogTerm)
	req.LeaderCommit = p.uint(r, headerLeaderCommit)
	if p.err != nil {
		w.Header().Set(headerError, p.err.Error())
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	dec := storage.NewEntryDecoder(r.Body)
	for {
		e := new(storage.Entry)
		if err := dec.Decode(e); err == io.EOF {
			break
		} else if err != nil {
			w.Header().Set(headerError, "invalid entries: "+err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		req.Entries = append(req.Entries, e)
	}

	resp, err := h.handler.HandleAppendEntries(r.Context(), req)
	if err != nil {
		h.handleError(r.Context(), err, w)
		return
	}

	w.Header().Set(headerTerm, strconv.FormatUint(resp.Term, 10))
	w.Header().Set(headerSuccess, strconv.FormatBool(resp.Success))
	w.Header().Set(headerConflictIndex, strconv.FormatUint(resp.ConflictIndex, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) handleError(ctx context.Context, err error, w http.ResponseWriter) {
	if errors.Is(err, ErrGroupNotFound) {
		err = &perrors.Error{Code: perrors.ENotFound, Err: err}
	}
	h.errorHandler.HandleHTTPError(ctx, err, w)
}

func groupFromRoute(r *http.Request) string {
	return chi.URLParam(r, "topic") + "/" + chi.URLParam(r, "partition")
}

// headerParser parses unsigned headers and keeps the first error.
type headerParser struct {
	err error
}

func (p *headerParser) uint(r *http.Request, key string) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(r.Header.Get(key), 10, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s header", key)
	}
	return v
}

// HTTPTransport sends RPCs to the HTTPHandler of other nodes.
type HTTPTransport struct {
	mu    sync.RWMutex
	peers map[uint64]string // node id to base URL

	// ClusterID is sent with every request.
	ClusterID string

	// Client performs the requests. Timeouts come from the request context.
	Client *http.Client
}

// NewHTTPTransport returns a transport reaching peers at their base URLs,
// e.g. "http://10.0.0.2:9092".
func NewHTTPTransport(clusterID string, peers map[uint64]string) *HTTPTransport {
	t := &HTTPTransport{
		peers:     make(map[uint64]string, len(peers)),
		ClusterID: clusterID,
		Client:    http.DefaultClient,
	}
	for id, addr := range peers {
		t.peers[id] = addr
	}
	return t
}

// SetPeer sets the base URL of a node.
func (t *HTTPTransport) SetPeer(id uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

// RequestVote requests a vote for a candidate in a given term.
func (t *HTTPTransport) RequestVote(ctx context.Context, to uint64, r *VoteRequest) (*VoteResponse, error) {
	req, err := t.newRequest(ctx, to, r.Group, "vote", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerTerm, strconv.FormatUint(r.Term, 10))
	req.Header.Set(headerCandidateID, strconv.FormatUint(r.CandidateID, 10))
	req.Header.Set(headerLastLogIndex, strconv.FormatUint(r.LastLogIndex, 10))
	req.Header.Set(headerLastLogTerm, strconv.FormatUint(r.LastLogTerm, 10))

	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}

	var p headerParser
	out := &VoteResponse{Term: p.responseUint(resp, headerTerm)}
	if p.err != nil {
		return nil, p.err
	}
	out.VoteGranted = resp.Header.Get(headerVoteGranted) == "true"
	return out, nil
}

// AppendEntries sends a list of entries to a follower.
func (t *HTTPTransport) AppendEntries(ctx context.Context, to uint64, r *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	var buf bytes.Buffer
	enc := storage.NewEntryEncoder(&buf)
	for _, e := range r.Entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}

	req, err := t.newRequest(ctx, to, r.Group, "append", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerTerm, strconv.FormatUint(r.Term, 10))
	req.Header.Set(headerLeaderID, strconv.FormatUint(r.LeaderID, 10))
	req.Header.Set(headerPrevLogIndex, strconv.FormatUint(r.PrevLogIndex, 10))
	req.Header.Set(headerPrevLogTerm, strconv.FormatUint(r.PrevLogTerm, 10))
	req.Header.Set(headerLeaderCommit, strconv.FormatUint(r.LeaderCommit, 10))

	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}

	var p headerParser
	out := &AppendEntriesResponse{
		Term:          p.responseUint(resp, headerTerm),
		ConflictIndex: p.responseUint(resp, headerConflictIndex),
		Success:       resp.Header.Get(headerSuccess) == "true",
	}
	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, to uint64, group, rpc string, body io.Reader) (*http.Request, error) {
	t.mu.RLock()
	addr, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no address for node %d", ErrUnreachable, to)
	}

	topic, partition, err := nexus.ParseGroupName(group)
	if err != nil {
		return nil, err
	}
	u := addr + "/raft/" + url.PathEscape(topic) + "/" + strconv.Itoa(int(partition)) + "/" + rpc

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerCluster, t.ClusterID)
	req.Header.Set("Content-Type", "application/octet-stream")
	if span := opentracing.SpanFromContext(ctx); span != nil {
		tracing.InjectToHTTPRequest(span, req)
	}
	return req, nil
}

// do sends the request and returns the response once its body is drained.
// Only the headers of a successful response are used.
func (t *HTTPTransport) do(req *http.Request) (*http.Response, error) {
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", ErrClusterMismatch, resp.Header.Get(headerError))
	} else if msg := resp.Header.Get(headerError); msg != "" {
		return nil, errors.New("raft: " + msg)
	} else if err := kithttp.CheckError(resp); err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp, nil
}

func (p *headerParser) responseUint(resp *http.Response, key string) uint64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(resp.Header.Get(key), 10, 64)
	if err != nil {
		p.err = fmt.Errorf("raft: invalid %s response header", key)
	}
	return v
}
