// Package cmdrouter implements the hub's Command Response Router: a
// per-request multi-value channel table that fans CommandResponseChunk and
// CommandResponseTransferComplete messages out to the HTTP SSE handler
// streaming a remote command's output.
package cmdrouter

import (
	"context"
	"sync"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
)

// deliveryBuffer matches the pending-request router's stream buffer: the
// agent dispatch task delivering a chunk should rarely need to block on a
// live SSE consumer.
const deliveryBuffer = 64

type slot struct {
	ch  chan interface{}
	ctx context.Context
}

// Router is the hub-wide command-response correlation table.
type Router struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New creates an empty Router.
func New() *Router {
	return &Router{slots: make(map[string]*slot)}
}

// Insert creates a slot for requestID, bound to ctx — the SSE handler's
// request context. When ctx is done (consumer gone), a subsequent delivery
// attempt fails and the slot is removed.
func (r *Router) Insert(requestID string, ctx context.Context) (<-chan interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[requestID]; exists {
		return nil, apperrors.ErrPendingSlotExists
	}
	s := &slot{ch: make(chan interface{}, deliveryBuffer), ctx: ctx}
	r.slots[requestID] = s
	return s.ch, nil
}

// Deliver sends a CommandResponseChunk to the slot for requestID. If the
// consumer's context is already done, the slot is removed and false is
// returned so the caller can log the dropped delivery.
func (r *Router) Deliver(requestID string, msg interface{}) bool {
	return r.deliver(requestID, msg, false)
}

// DeliverCompletion sends a CommandResponseTransferComplete to the slot for
// requestID and always removes the slot afterward, regardless of whether
// the consumer was still listening.
func (r *Router) DeliverCompletion(requestID string, msg interface{}) bool {
	return r.deliver(requestID, msg, true)
}

func (r *Router) deliver(requestID string, msg interface{}, alwaysRemove bool) bool {
	r.mu.Lock()
	s, ok := r.slots[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	delivered := false
	select {
	case s.ch <- msg:
		delivered = true
	case <-s.ctx.Done():
		delivered = false
	}

	if alwaysRemove || !delivered {
		r.Remove(requestID)
	}
	return delivered
}

// Remove deletes any slot for requestID, returning whether one existed.
func (r *Router) Remove(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[requestID]; !ok {
		return false
	}
	delete(r.slots, requestID)
	return true
}

// Len reports how many command-response slots currently exist.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
