// Package registry implements the hub's Agent Registry: a live mapping from
// agent identifier to its WebSocket connection handle and metadata.
//
// Readers dominate writers (writes only happen on agent connect/disconnect),
// so the registry map is protected by a RWMutex. Each agent record owns its
// own mutex over the WebSocket write path so concurrent requests bound to
// the same agent serialize their writes, while requests bound to different
// agents never contend with each other.
package registry

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

// Metadata is the immutable-for-the-connection's-lifetime host information
// an agent reports in its InitRequest.
type Metadata struct {
	PublicIP      string
	CountryCode   string
	Region        string
	City          string
	ASN           string
	ASNOrg        string
	OSType        string
	OSVersion     string
	Hostname      string
	KernelVersion string
	Username      string
}

// Record is one live agent connection.
type Record struct {
	ID       string
	Metadata Metadata

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WriteJSON serializes writes to this agent's WebSocket so control traffic
// and per-request tunneled chunks never interleave on the wire.
func (r *Record) WriteJSON(v interface{}) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(v)
}

// Send encodes a tagged control-plane message and writes it as a single
// text frame, serialized against every other write to this agent.
func (r *Record) Send(t protocol.MessageType, payload interface{}) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying WebSocket connection.
func (r *Record) Close() error {
	return r.conn.Close()
}

// Registry is the process-wide table of connected agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Record
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*Record)}
}

// Register inserts a new agent connection, replacing any prior entry for the
// same identifier. The replaced record, if any, is returned so the caller
// can close its WebSocket; the registry itself never closes a connection.
func (r *Registry) Register(id string, conn *websocket.Conn, meta Metadata) (*Record, error) {
	if id == "" {
		return nil, apperrors.ErrAgentIDEmpty
	}
	if conn == nil {
		return nil, fmt.Errorf("registry: websocket connection cannot be nil")
	}

	rec := &Record{ID: id, Metadata: meta, conn: conn}

	r.mu.Lock()
	old := r.agents[id]
	r.agents[id] = rec
	r.mu.Unlock()

	return old, nil
}

// Unregister removes the agent identified by id, but only if its currently
// registered connection is still the one the caller observed disconnecting.
// This keeps a stale disconnect detector from evicting a newer connection
// that has since replaced it.
func (r *Registry) Unregister(id string, conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok || rec.conn != conn {
		return false
	}
	delete(r.agents, id)
	return true
}

// Get returns the record for a single agent identifier.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	return rec, ok
}

// All returns a snapshot of every currently connected agent.
func (r *Registry) All() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	return out
}

// WithCountryCodes returns every connected agent whose CountryCode is a
// member of codes.
func (r *Registry) WithCountryCodes(codes map[string]struct{}) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0)
	for _, rec := range r.agents {
		if _, ok := codes[rec.Metadata.CountryCode]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Len reports how many agents are currently connected.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
