// Package protocol defines the transport abstraction addon.KindProtocol
// addons produce: a Transport capable of listening for inbound peers and
// dialing outbound ones, and a Conn representing one live attachment to a
// single peer.
package protocol

// Conn is one live transport attachment to a peer, independent of whatever
// wire framing or multiplexing the underlying transport uses.
type Conn interface {
	// Send writes one message payload to the peer. Concurrent calls are
	// serialized by the implementation.
	Send(data []byte) error

	// SetOnInput installs the handler invoked for every inbound payload.
	// Replacing the handler takes effect for payloads read after the call
	// returns; it is how connection migration reassigns a live Conn from
	// an App-owned dispatcher to an Engine-owned one without redialing.
	SetOnInput(handler func(data []byte))

	// RemoteURI identifies the peer this Conn is attached to, in whatever
	// form the transport natively addresses peers (a libp2p peer ID, a
	// websocket remote address, ...).
	RemoteURI() string

	Close() error
}

// Transport is the addon-produced instance for addon.KindProtocol: a named
// transport capable of listening for inbound peers and/or dialing outbound
// ones. A transport that only ever dials out may treat Listen as a no-op;
// one that only ever accepts may return an error from Connect.
type Transport interface {
	// Listen registers onAccept to be called with a new Conn for every
	// peer that connects. addr is transport-specific (a multiaddr, a
	// "host:port" pair, ...); transports that listen on whatever address
	// they were constructed with may ignore it.
	Listen(addr string, onAccept func(Conn)) error

	// Connect dials addr and returns the resulting Conn.
	Connect(addr string) (Conn, error)

	Close() error
}
