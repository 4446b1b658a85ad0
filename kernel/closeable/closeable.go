// Package closeable implements the four-phase closing protocol embedded at
// every level of the runtime's containment tree (App, Engine,
// ExtensionGroup, Extension, Connection, ...).
package closeable

import (
	"sync"
	"sync/atomic"
)

// State is a Closeable's observable lifecycle state. It advances only
// Alive -> Closing -> Closed, never backwards.
type State int32

const (
	Alive State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Alive:
		return "Alive"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Subscriber is one listener's interest record. Each callback is optional;
// a nil callback means the subscriber isn't interested in that event. This
// mirrors the per-event-boolean shape over three parallel collections.
type Subscriber struct {
	// OnIntendToClose fires in phase 1, synchronously with Close().
	OnIntendToClose func(c *Closeable)
	// OnClosed fires once the closeable reaches Closed. The subscriber must
	// eventually call done(); a subscriber that never does stalls the
	// closing tree.
	OnClosed func(c *Closeable, done func())
	// OnClosedAllDone fires once every OnClosed subscriber has called its
	// done callback — the owner's signal that it is safe to destroy c.
	OnClosedAllDone func(c *Closeable)
	// OutOfThread requests the callback run off the owning goroutine.
	OutOfThread bool
}

type belongLink struct {
	parent        *Closeable
	isClosingRoot func(child *Closeable) bool
}

// Closeable is embedded (by value or pointer field) into every component
// that participates in the closing protocol.
type Closeable struct {
	mu sync.Mutex

	state atomic.Int32

	underlying   []*Closeable
	belongTo     []belongLink
	beDependedOn []*Closeable
	subs         []Subscriber

	actionToCloseMyself func(done func())
	pendingAcks         int
	closeStarted        bool
}

// New returns a Closeable in the Alive state.
func New() *Closeable {
	return &Closeable{}
}

// State returns the current lifecycle state.
func (c *Closeable) State() State {
	return State(c.state.Load())
}

// SetActionToCloseMyself installs the callback run once every underlying
// resource and be-depended-on peer is Closed. fn must eventually call
// done(). If never set, the closeable self-closes immediately once its
// dependencies are satisfied.
func (c *Closeable) SetActionToCloseMyself(fn func(done func())) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actionToCloseMyself = fn
}

// AddUnderlying registers resource as owned by c. Per the closing protocol
// contract, this also subscribes to resource's OnClosedAllDone so c always
// knows when it is safe to drop its reference.
func (c *Closeable) AddUnderlying(resource *Closeable) {
	c.mu.Lock()
	c.underlying = append(c.underlying, resource)
	c.mu.Unlock()

	resource.Subscribe(Subscriber{
		OnClosedAllDone: func(*Closeable) {
			c.recheckCouldClose()
		},
	})
}

// RemoveUnderlying drops resource from c's underlying set. If c is
// currently Closing, this re-checks the could-close predicate and may
// promote c to running its close action.
func (c *Closeable) RemoveUnderlying(resource *Closeable) {
	c.mu.Lock()
	for i, r := range c.underlying {
		if r == resource {
			c.underlying = append(c.underlying[:i], c.underlying[i+1:]...)
			break
		}
	}
	closing := c.State() == Closing
	c.mu.Unlock()

	if closing {
		c.recheckCouldClose()
	}
}

// AddBelongTo records that c belongs to parent for root-determination
// purposes; isClosingRootCb decides, from parent's perspective, whether c
// is the root of its own closing operation.
func (c *Closeable) AddBelongTo(parent *Closeable, isClosingRootCb func(child *Closeable) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.belongTo = append(c.belongTo, belongLink{parent: parent, isClosingRoot: isClosingRootCb})
}

// AddBeDependedOn records peer as something c depends on being Closed
// before c itself may close.
func (c *Closeable) AddBeDependedOn(peer *Closeable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beDependedOn = append(c.beDependedOn, peer)
}

// Subscribe registers sub for c's lifecycle events.
func (c *Closeable) Subscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

// IsRoot reports whether c is a root for closing purposes: it has no
// belong_to links, or every belong_to's is_closing_root_cb returns false
// for it.
func (c *Closeable) IsRoot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.belongTo) == 0 {
		return true
	}
	for _, link := range c.belongTo {
		if link.isClosingRoot(c) {
			return false
		}
	}
	return true
}

// Close starts the closing protocol. It is idempotent: calls after the
// first are no-ops.
func (c *Closeable) Close() {
	c.mu.Lock()
	if c.closeStarted {
		c.mu.Unlock()
		return
	}
	c.closeStarted = true
	c.state.Store(int32(Closing))
	subs := append([]Subscriber(nil), c.subs...)
	c.mu.Unlock()

	for _, s := range subs {
		if s.OnIntendToClose == nil {
			continue
		}
		if s.OutOfThread {
			go s.OnIntendToClose(c)
		} else {
			s.OnIntendToClose(c)
		}
	}

	c.recheckCouldClose()
}

// recheckCouldClose implements phase 3: if every underlying resource and
// be-depended-on peer is Closed, runs the close action; otherwise forwards
// Close() to each underlying resource and waits for their progress to call
// back in here again.
func (c *Closeable) recheckCouldClose() {
	c.mu.Lock()
	if c.State() != Closing {
		c.mu.Unlock()
		return
	}
	if !c.couldCloseLocked() {
		pending := append([]*Closeable(nil), c.underlying...)
		c.mu.Unlock()
		for _, r := range pending {
			r.Close()
		}
		return
	}
	action := c.actionToCloseMyself
	c.mu.Unlock()

	if action != nil {
		action(c.finishClosing)
	} else {
		c.finishClosing()
	}
}

func (c *Closeable) couldCloseLocked() bool {
	for _, r := range c.underlying {
		if r.State() != Closed {
			return false
		}
	}
	for _, p := range c.beDependedOn {
		if p.State() != Closed {
			return false
		}
	}
	return true
}

// finishClosing marks c Closed and runs phase 3's remaining half (notifying
// on_closed subscribers) and sets up phase 4 (on_closed_all_done once every
// subscriber acknowledges).
func (c *Closeable) finishClosing() {
	c.mu.Lock()
	if c.State() == Closed {
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(Closed))
	subs := append([]Subscriber(nil), c.subs...)
	c.pendingAcks = 0
	for _, s := range subs {
		if s.OnClosed != nil {
			c.pendingAcks++
		}
	}
	noAckSubscribers := c.pendingAcks == 0
	c.mu.Unlock()

	if noAckSubscribers {
		c.announceAllDone()
	}

	for _, s := range subs {
		if s.OnClosed == nil {
			continue
		}
		s := s
		deliver := func() {
			s.OnClosed(c, c.ackOne)
		}
		if s.OutOfThread {
			go deliver()
		} else {
			deliver()
		}
	}
}

func (c *Closeable) ackOne() {
	c.mu.Lock()
	c.pendingAcks--
	done := c.pendingAcks == 0
	c.mu.Unlock()
	if done {
		c.announceAllDone()
	}
}

func (c *Closeable) announceAllDone() {
	c.mu.Lock()
	subs := append([]Subscriber(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		if s.OnClosedAllDone == nil {
			continue
		}
		if s.OutOfThread {
			go s.OnClosedAllDone(c)
		} else {
			s.OnClosedAllDone(c)
		}
	}
}
