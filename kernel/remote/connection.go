package remote

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/tenon/kernel/closeable"
	"github.com/nmxmxh/tenon/kernel/protocol"
)

// MigrationState tracks a Connection's handoff from the App thread, which
// owns every inbound connection until its first message names a graph, to
// the Engine thread that owns that graph.
type MigrationState int32

const (
	// MigrationInit is a connection's state before any message has named
	// a graph, and the state it resets to if that graph cannot be found.
	MigrationInit MigrationState = iota
	// MigrationFirstMsg marks that the App has forwarded the connection's
	// first message to the target Engine and has not yet re-attached the
	// connection's protocol with an input handler bound to that Engine.
	MigrationFirstMsg
	// MigrationDone marks that the connection's protocol has been
	// re-attached with an input handler that dispatches straight to the
	// Engine; every later message on this connection skips the App hop.
	MigrationDone
)

func (s MigrationState) String() string {
	switch s {
	case MigrationInit:
		return "Init"
	case MigrationFirstMsg:
		return "FirstMsg"
	case MigrationDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Connection is one transport attachment to a peer. Before migration it is
// owned by the App's Remote; after migration no Remote holds it.
type Connection struct {
	Closeable closeable.Closeable

	PeerURI string

	mu    sync.Mutex
	proto protocol.Conn

	onInput func(data []byte)

	migration atomic.Int32

	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewConnection wraps proto as a Connection to peerURI, starting in the
// Init migration state. proto may be nil for a Connection under
// construction ahead of its protocol being attached.
func NewConnection(peerURI string, proto protocol.Conn) *Connection {
	c := &Connection{PeerURI: peerURI}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    fmt.Sprintf("remote-connection:%s", peerURI),
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	if proto != nil {
		c.AttachProtocol(proto)
	}
	return c
}

// MigrationState reports the connection's current migration phase.
func (c *Connection) MigrationState() MigrationState {
	return MigrationState(c.migration.Load())
}

// MarkFirstMsg records that this connection's first message naming a graph
// has been forwarded to that graph's Engine. Returns false if the
// connection was not in Init, meaning migration had already begun.
func (c *Connection) MarkFirstMsg() bool {
	return c.migration.CompareAndSwap(int32(MigrationInit), int32(MigrationFirstMsg))
}

// MarkMigrated completes migration once the connection's protocol has been
// re-attached for the Engine. Returns false if the connection was not in
// FirstMsg.
func (c *Connection) MarkMigrated() bool {
	return c.migration.CompareAndSwap(int32(MigrationFirstMsg), int32(MigrationDone))
}

// ResetMigration returns the connection to Init. Used when the target
// graph_id named by a connection's first message cannot be found: the
// connection remains free to carry unrelated traffic instead of being
// stranded mid-migration.
func (c *Connection) ResetMigration() {
	c.migration.Store(int32(MigrationInit))
}

// SetOnInput installs the handler invoked for every inbound payload.
// Migration reassigns this handler as ownership of the connection moves
// from the App's dispatcher to the Engine's.
func (c *Connection) SetOnInput(handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInput = handler
}

func (c *Connection) dispatchInput(data []byte) {
	c.mu.Lock()
	handler := c.onInput
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// Send writes data to the peer through a circuit breaker, so that a peer
// which has gone silent trips the breaker open after repeated consecutive
// failures instead of being hammered with every further send attempt.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	proto := c.proto
	c.mu.Unlock()
	if proto == nil {
		return fmt.Errorf("remote: connection %q has no attached protocol", c.PeerURI)
	}
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, proto.Send(data)
	})
	return err
}

// DetachProtocol removes and returns the connection's live protocol
// instance without closing it, leaving bookkeeping (peer URI, migration
// state) intact for a later AttachProtocol.
func (c *Connection) DetachProtocol() protocol.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.proto
	c.proto = nil
	return p
}

// AttachProtocol installs proto as the connection's live transport and
// wires its inbound callback to this Connection's own onInput handler.
func (c *Connection) AttachProtocol(proto protocol.Conn) {
	c.mu.Lock()
	c.proto = proto
	c.mu.Unlock()
	if proto != nil {
		proto.SetOnInput(c.dispatchInput)
	}
}

// Close detaches and closes the underlying protocol, then runs the closing
// protocol for the Connection itself.
func (c *Connection) Close() error {
	proto := c.DetachProtocol()
	c.Closeable.Close()
	if proto != nil {
		return proto.Close()
	}
	return nil
}
