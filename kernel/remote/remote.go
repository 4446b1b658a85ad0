// Package remote implements Remote and Connection: the App/Engine-side
// bookkeeping for one peer's transport attachment, including the
// connection-migration handshake that re-parents a Connection from the App
// thread to the Engine thread that owns its graph.
package remote

import "sync"

// Remote maps a peer's URI to the single Connection it owns. An App's
// Remote holds every connection not yet migrated to an Engine; a
// connection is removed from it once migrated, and Engines hold no Remote.
type Remote struct {
	mu    sync.RWMutex
	byURI map[string]*Connection
}

func NewRemote() *Remote {
	return &Remote{byURI: make(map[string]*Connection)}
}

// Connection looks up the Connection for peerURI, if one is currently
// owned by this Remote.
func (r *Remote) Connection(peerURI string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byURI[peerURI]
	return c, ok
}

// AddConnection registers c under its own PeerURI, replacing whatever this
// Remote previously held for that peer.
func (r *Remote) AddConnection(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURI[c.PeerURI] = c
}

// RemoveConnection detaches peerURI from this Remote, e.g. once migration
// to another Remote has completed or the connection has closed.
func (r *Remote) RemoveConnection(peerURI string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byURI, peerURI)
}

// Connections returns a snapshot of every Connection this Remote currently
// owns.
func (r *Remote) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byURI))
	for _, c := range r.byURI {
		out = append(out, c)
	}
	return out
}

// Len reports how many connections this Remote currently owns.
func (r *Remote) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byURI)
}
