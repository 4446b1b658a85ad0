// Package wsproto implements protocol.Transport over WebSocket, for peers
// reached as plain HTTP(S) endpoints rather than over a libp2p mesh.
package wsproto

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// transport is the addon.KindProtocol instance wsproto produces. It can
// both dial outbound peers and, once Listen has started its HTTP server,
// accept inbound ones.
type transport struct {
	dialer *websocket.Dialer

	mu       sync.Mutex
	onAccept func(protocol.Conn)
	server   *http.Server
}

func newTransport() *transport {
	return &transport{dialer: websocket.DefaultDialer}
}

// Listen starts an HTTP server on addr (a "host:port" address) and upgrades
// every request to a WebSocket connection, handing each to onAccept.
func (t *transport) Listen(addr string, onAccept func(protocol.Conn)) error {
	t.mu.Lock()
	t.onAccept = onAccept
	t.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		t.mu.Lock()
		handler := t.onAccept
		t.mu.Unlock()
		if handler == nil {
			conn.Close()
			return
		}
		handler(newWSConn(conn, r.RemoteAddr))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("wsproto: listening on %s: %w", addr, err)
	default:
		return nil
	}
}

// Connect dials addr, a ws:// or wss:// URL, and returns the resulting Conn.
func (t *transport) Connect(addr string) (protocol.Conn, error) {
	conn, _, err := t.dialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("wsproto: dialing %s: %w", addr, err)
	}
	return newWSConn(conn, addr), nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server != nil {
		return server.Close()
	}
	return nil
}

// wsConn adapts a *websocket.Conn to protocol.Conn. Every Send writes one
// text-framed message; reads run on their own goroutine, delivering whole
// messages to onInput.
type wsConn struct {
	conn     *websocket.Conn
	remote   string
	shutdown chan struct{}

	mu      sync.Mutex
	onInput func(data []byte)

	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn, remote string) *wsConn {
	c := &wsConn{conn: conn, remote: remote, shutdown: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer c.Close()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		handler := c.onInput
		c.mu.Unlock()
		if handler != nil {
			handler(message)
		}
	}
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetOnInput(handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInput = handler
}

func (c *wsConn) RemoteURI() string {
	return c.remote
}

func (c *wsConn) Close() error {
	select {
	case <-c.shutdown:
		return nil
	default:
		close(c.shutdown)
	}
	return c.conn.Close()
}

// Addon is the addon.KindProtocol vtable backing WebSocket transports.
type Addon struct{}

func NewAddon() addon.Addon { return &Addon{} }

func (Addon) OnInit(*addon.Host) error   { return nil }
func (Addon) OnDeinit(*addon.Host) error { return nil }
func (Addon) OnDestroyAddon()            {}

func (Addon) OnCreateInstance(host *addon.Host, instanceName string, cb func(instance any, err error)) {
	cb(newTransport(), nil)
}

func (Addon) OnDestroyInstance(host *addon.Host, instance any, cb func(err error)) {
	t, ok := instance.(*transport)
	if !ok {
		cb(fmt.Errorf("wsproto: OnDestroyInstance got unexpected type %T", instance))
		return
	}
	cb(t.Close())
}
