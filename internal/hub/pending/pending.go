// Package pending implements the hub's Pending-Request Router: a
// correlation table from request identifier to either a one-shot slot
// awaiting a ConnectResponse, or a multi-value slot streaming
// DataResponseChunk/DataResponseTransferComplete values back to the SOCKS5
// relay loop.
//
// A request's slot starts as one-shot and, after a successful CONNECT ack,
// is removed and re-inserted as a stream slot by the caller — the router
// itself does not transition a slot's kind in place.
package pending

import (
	"sync"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
)

// kind tags which variant a slot holds.
type kind int

const (
	kindOneShot kind = iota
	kindStream
)

// streamBuffer bounds how many undelivered stream values a slow consumer can
// leave outstanding before the delivering dispatch task blocks. The control
// loop dispatches each message as an independent task, so a blocked
// delivery never stalls the WebSocket reader.
const streamBuffer = 64

type slot struct {
	kind    kind
	oneShot chan interface{}
	stream  chan interface{}
}

// Table is the hub-wide pending-request correlation table.
type Table struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New creates an empty Table.
func New() *Table {
	return &Table{slots: make(map[string]*slot)}
}

// InsertOneShot creates a one-shot slot for requestID and returns the
// channel its eventual ConnectResponse will be delivered on. The channel is
// buffered so a single delivery never blocks the delivering task.
func (t *Table) InsertOneShot(requestID string) (<-chan interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.slots[requestID]; exists {
		return nil, apperrors.ErrPendingSlotExists
	}
	ch := make(chan interface{}, 1)
	t.slots[requestID] = &slot{kind: kindOneShot, oneShot: ch}
	return ch, nil
}

// InsertStream creates a multi-value slot for requestID.
func (t *Table) InsertStream(requestID string) (<-chan interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.slots[requestID]; exists {
		return nil, apperrors.ErrPendingSlotExists
	}
	ch := make(chan interface{}, streamBuffer)
	t.slots[requestID] = &slot{kind: kindStream, stream: ch}
	return ch, nil
}

// DeliverOneShot delivers msg to the one-shot slot for requestID, removing
// the slot first so a concurrent timeout cannot also observe it. Returns
// false if no one-shot slot exists for requestID (already timed out, never
// existed, or is a stream slot) — the caller decides whether that is worth
// logging.
func (t *Table) DeliverOneShot(requestID string, msg interface{}) bool {
	t.mu.Lock()
	s, ok := t.slots[requestID]
	if !ok || s.kind != kindOneShot {
		t.mu.Unlock()
		return false
	}
	delete(t.slots, requestID)
	t.mu.Unlock()

	s.oneShot <- msg
	return true
}

// DeliverStream delivers msg to the stream slot for requestID without
// removing it. Returns false if no stream slot exists.
func (t *Table) DeliverStream(requestID string, msg interface{}) bool {
	t.mu.Lock()
	s, ok := t.slots[requestID]
	t.mu.Unlock()

	if !ok || s.kind != kindStream {
		return false
	}
	s.stream <- msg
	return true
}

// Remove deletes any slot for requestID, returning whether one existed.
// Used for timeout cleanup and relay-loop teardown.
func (t *Table) Remove(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.slots[requestID]; !ok {
		return false
	}
	delete(t.slots, requestID)
	return true
}

// Len reports how many pending slots currently exist. Exposed for tests
// verifying the resource-cleanup contract.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
