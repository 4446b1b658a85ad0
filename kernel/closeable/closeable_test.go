package closeable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseMonotonicity(t *testing.T) {
	c := New()
	assert.Equal(t, Alive, c.State())
	c.Close()
	assert.Equal(t, Closed, c.State())

	// second call is a no-op, not a panic, not a regression.
	c.Close()
	assert.Equal(t, Closed, c.State())
}

func TestLeafClosesImmediately(t *testing.T) {
	c := New()
	var closedCount int
	c.Subscribe(Subscriber{OnClosed: func(cl *Closeable, done func()) {
		closedCount++
		done()
	}})
	c.Close()
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, closedCount)
}

func TestParentWaitsForUnderlyingResources(t *testing.T) {
	parent := New()
	child := New()
	parent.AddUnderlying(child)

	var allDone int32
	var mu sync.Mutex
	parent.Subscribe(Subscriber{OnClosedAllDone: func(*Closeable) {
		mu.Lock()
		allDone++
		mu.Unlock()
	}})

	parent.Close()
	// child has not been explicitly closed by the test, but Close()
	// forwards to underlying resources, so child should also be Closed.
	assert.Eventually(t, func() bool { return parent.State() == Closed }, time.Second, time.Millisecond)
	assert.Equal(t, Closed, child.State())
}

func TestActionToCloseMyselfGatesClosedState(t *testing.T) {
	c := New()
	gate := make(chan struct{})
	c.SetActionToCloseMyself(func(done func()) {
		go func() {
			<-gate
			done()
		}()
	})
	c.Close()
	assert.Equal(t, Closing, c.State())
	close(gate)
	assert.Eventually(t, func() bool { return c.State() == Closed }, time.Second, time.Millisecond)
}

func TestOnClosedAllDoneWaitsForEveryAck(t *testing.T) {
	c := New()
	var acked int32
	done1 := make(chan func(), 1)
	c.Subscribe(Subscriber{OnClosed: func(cl *Closeable, done func()) {
		done1 <- done
	}})
	c.Subscribe(Subscriber{OnClosed: func(cl *Closeable, done func()) {
		acked++
		done()
	}})

	allDone := make(chan struct{})
	c.Subscribe(Subscriber{OnClosedAllDone: func(*Closeable) { close(allDone) }})

	c.Close()

	select {
	case <-allDone:
		t.Fatal("all-done fired before every subscriber acked")
	case <-time.After(20 * time.Millisecond):
	}

	d := <-done1
	d()

	select {
	case <-allDone:
	case <-time.After(time.Second):
		t.Fatal("all-done never fired after last ack")
	}
}

func TestIsRootRespectsClosingRootCallback(t *testing.T) {
	parent := New()
	child := New()
	child.AddBelongTo(parent, func(c *Closeable) bool { return false })
	assert.True(t, child.IsRoot())

	child2 := New()
	child2.AddBelongTo(parent, func(c *Closeable) bool { return true })
	assert.False(t, child2.IsRoot())
}

func TestRemoveUnderlyingRechecksCouldClose(t *testing.T) {
	parent := New()
	child := New()
	parent.AddUnderlying(child)

	closedCh := make(chan struct{})
	parent.Subscribe(Subscriber{OnClosed: func(cl *Closeable, done func()) {
		close(closedCh)
		done()
	}})

	parent.state.Store(int32(Closing))
	parent.mu.Lock()
	parent.closeStarted = true
	parent.mu.Unlock()

	// child never closes; parent should stay Closing.
	require.Equal(t, Closing, parent.State())

	parent.RemoveUnderlying(child)
	select {
	case <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("parent did not close after its only underlying resource was removed")
	}
}
