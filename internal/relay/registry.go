package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Sender is the send-capable handle of one client session.
//
// Send must not block: an implementation that cannot accept the frame right
// away returns an error (usually ErrSendBufferFull). Close ends the session
// and may be called more than once.
type Sender interface {
	Send(msg []byte) error
	Close(reason string)
}

// Connection is one registry entry. Only the Registry changes its state.
type Connection struct {
	ID     string
	sender Sender
	state  atomic.Int32
}

// NewConnection wraps a sender in a Connection in the Connecting state.
func NewConnection(id string, sender Sender) *Connection {
	return &Connection{ID: id, sender: sender}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Sender returns the connection's send handle.
func (c *Connection) Sender() Sender {
	return c.sender
}

// Registry tracks the currently open connections.
//
// All methods are safe for concurrent use. ForEach iterates over a copy taken
// under the read lock, so visitors may register or unregister freely.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]*Connection)}
}

// Add creates a connection for sender under a fresh identifier and registers it.
func (r *Registry) Add(sender Sender) (*Connection, error) {
	conn := NewConnection(uuid.NewString(), sender)
	if err := r.Register(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Register adds conn and marks it Open. Closed connections are never revived.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID)
	}
	if !conn.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("register connection %s: state is %s", conn.ID, conn.State())
	}
	r.connections[conn.ID] = conn
	return nil
}

// Unregister removes the connection with the given id and marks it Closed.
// It reports whether an entry was removed; unknown ids are a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[id]
	if !exists {
		return false
	}
	conn.state.Store(int32(StateClosed))
	delete(r.connections, id)
	return true
}

// ForEach calls visit for every connection registered when the call began,
// in no particular order.
func (r *Registry) ForEach(visit func(*Connection)) {
	for _, conn := range r.snapshot() {
		visit(conn)
	}
}

// Size returns the number of registered connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}
