// Package libp2pproto implements protocol.Transport over a libp2p host,
// for peers reached as part of a mesh rather than a fixed address.
package libp2pproto

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/protocol"
)

// streamProtocolID is the libp2p protocol ID every host registers its
// message stream handler under.
const streamProtocolID = "/tenon/msg/1.0.0"

// transport is the addon.KindProtocol instance libp2pproto produces: one
// libp2p host, capable of both accepting inbound streams and dialing
// outbound peers.
type transport struct {
	host libp2phost.Host

	mu       sync.Mutex
	onAccept func(protocol.Conn)
}

func newTransport() (*transport, error) {
	host, err := libp2p.New()
	if err != nil {
		return nil, fmt.Errorf("libp2pproto: starting host: %w", err)
	}
	t := &transport{host: host}
	host.SetStreamHandler(streamProtocolID, t.handleStream)
	return t, nil
}

func (t *transport) handleStream(s network.Stream) {
	t.mu.Lock()
	onAccept := t.onAccept
	t.mu.Unlock()
	if onAccept == nil {
		s.Close()
		return
	}
	onAccept(newStreamConn(s))
}

// Listen registers onAccept for inbound streams. addr is ignored: a
// libp2p host already listens on whatever multiaddrs it was configured
// with at construction, not on an address chosen at Listen time.
func (t *transport) Listen(addr string, onAccept func(protocol.Conn)) error {
	t.mu.Lock()
	t.onAccept = onAccept
	t.mu.Unlock()
	return nil
}

// Connect parses addr as a multiaddr carrying a /p2p/<peer-id> suffix,
// dials that peer, and opens the message stream.
func (t *transport) Connect(addr string) (protocol.Conn, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("libp2pproto: parsing multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("libp2pproto: resolving peer info from %q: %w", addr, err)
	}
	ctx := context.Background()
	if err := t.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("libp2pproto: connecting to %s: %w", info.ID, err)
	}
	s, err := t.host.NewStream(ctx, info.ID, streamProtocolID)
	if err != nil {
		return nil, fmt.Errorf("libp2pproto: opening stream to %s: %w", info.ID, err)
	}
	return newStreamConn(s), nil
}

func (t *transport) Close() error {
	return t.host.Close()
}

// streamConn adapts a libp2p network.Stream to protocol.Conn. Reads run on
// their own goroutine per stream, delivering whole reads to onInput.
type streamConn struct {
	stream network.Stream

	mu      sync.Mutex
	onInput func(data []byte)

	writeMu sync.Mutex
}

func newStreamConn(s network.Stream) *streamConn {
	c := &streamConn{stream: s}
	go c.readLoop()
	return c
}

func (c *streamConn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.mu.Lock()
			handler := c.onInput
			c.mu.Unlock()
			if handler != nil {
				handler(append([]byte(nil), buf[:n]...))
			}
		}
		if err != nil {
			if err != io.EOF {
				_ = c.stream.Reset()
			}
			return
		}
	}
}

func (c *streamConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.stream.Write(data)
	return err
}

func (c *streamConn) SetOnInput(handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInput = handler
}

func (c *streamConn) RemoteURI() string {
	return c.stream.Conn().RemotePeer().String()
}

func (c *streamConn) Close() error {
	return c.stream.Close()
}

// Addon is the addon.KindProtocol vtable backing libp2p transports. Each
// instance starts a fresh libp2p host.
type Addon struct{}

func NewAddon() addon.Addon { return &Addon{} }

func (Addon) OnInit(*addon.Host) error   { return nil }
func (Addon) OnDeinit(*addon.Host) error { return nil }
func (Addon) OnDestroyAddon()            {}

func (Addon) OnCreateInstance(host *addon.Host, instanceName string, cb func(instance any, err error)) {
	t, err := newTransport()
	if err != nil {
		cb(nil, err)
		return
	}
	cb(t, nil)
}

func (Addon) OnDestroyInstance(host *addon.Host, instance any, cb func(err error)) {
	t, ok := instance.(*transport)
	if !ok {
		cb(fmt.Errorf("libp2pproto: OnDestroyInstance got unexpected type %T", instance))
		return
	}
	cb(t.Close())
}
