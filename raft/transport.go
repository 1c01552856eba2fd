package raft

import (
	"context"
	"fmt"
	"sync"
)

// Transport sends RPCs from the local node to a peer.
type Transport interface {
	RequestVote(ctx context.Context, to uint64, req *VoteRequest) (*VoteResponse, error)
	AppendEntries(ctx context.Context, to uint64, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

// Handler serves RPCs received from peers.
type Handler interface {
	HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

// Mux is a Handler that delegates each request to the engine registered
// for its group.
type Mux struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewMux returns a new instance of Mux.
func NewMux() *Mux {
	return &Mux{m: make(map[string]Handler)}
}

// Handle registers the handler for a group.
func (mux *Mux) Handle(group string, h Handler) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	mux.m[group] = h
}

// Remove deregisters a group.
func (mux *Mux) Remove(group string) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	delete(mux.m, group)
}

// Groups returns the number of registered groups.
func (mux *Mux) Groups() int {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	return len(mux.m)
}

func (mux *Mux) handler(group string) (Handler, error) {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	if h, ok := mux.m[group]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
}

func (mux *Mux) HandleRequestVote(ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
	h, err := mux.handler(req.Group)
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(ctx, req)
}

func (mux *Mux) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	h, err := mux.handler(req.Group)
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(ctx, req)
}
