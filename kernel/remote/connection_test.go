package remote

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal protocol.Conn stub for exercising Connection
// without a real transport.
type fakeConn struct {
	remote  string
	sent    [][]byte
	sendErr error
	onInput func(data []byte)
	closed  bool
}

func (f *fakeConn) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeConn) SetOnInput(handler func(data []byte)) { f.onInput = handler }
func (f *fakeConn) RemoteURI() string                    { return f.remote }
func (f *fakeConn) Close() error                          { f.closed = true; return nil }

func TestConnectionMigrationHappyPath(t *testing.T) {
	c := NewConnection("peer1", &fakeConn{remote: "peer1"})
	assert.Equal(t, MigrationInit, c.MigrationState())

	assert.True(t, c.MarkFirstMsg())
	assert.Equal(t, MigrationFirstMsg, c.MigrationState())
	assert.False(t, c.MarkFirstMsg(), "second call must not re-fire from a non-Init state")

	assert.True(t, c.MarkMigrated())
	assert.Equal(t, MigrationDone, c.MigrationState())
	assert.False(t, c.MarkMigrated())
}

func TestConnectionMigrationResetsOnGraphNotFound(t *testing.T) {
	c := NewConnection("peer1", &fakeConn{remote: "peer1"})
	require.True(t, c.MarkFirstMsg())

	c.ResetMigration()
	assert.Equal(t, MigrationInit, c.MigrationState())
	assert.True(t, c.MarkFirstMsg(), "connection must be usable again after reset")
}

func TestConnectionDetachAttachReassignsOnInput(t *testing.T) {
	conn1 := &fakeConn{remote: "peer1"}
	c := NewConnection("peer1", conn1)

	var got []byte
	c.SetOnInput(func(data []byte) { got = data })
	conn1.onInput([]byte("from app thread"))
	assert.Equal(t, []byte("from app thread"), got)

	detached := c.DetachProtocol()
	assert.Same(t, conn1, detached)

	conn2 := &fakeConn{remote: "peer1"}
	c.AttachProtocol(conn2)
	require.NotNil(t, conn2.onInput)
	conn2.onInput([]byte("from engine thread"))
	assert.Equal(t, []byte("from engine thread"), got)
}

func TestConnectionSendRequiresAttachedProtocol(t *testing.T) {
	c := NewConnection("peer1", nil)
	err := c.Send([]byte("hello"))
	assert.Error(t, err)
}

func TestConnectionSendTripsBreakerAfterConsecutiveFailures(t *testing.T) {
	stub := &fakeConn{remote: "peer1", sendErr: errors.New("peer unreachable")}
	c := NewConnection("peer1", stub)

	for i := 0; i < 6; i++ {
		err := c.Send([]byte("x"))
		assert.Error(t, err)
	}

	// The breaker should now be open, failing fast without even calling
	// the underlying protocol's Send again.
	stub.sendErr = nil
	err := c.Send([]byte("y"))
	assert.Error(t, err)
	assert.Empty(t, stub.sent)
}

func TestConnectionCloseDetachesAndClosesProtocol(t *testing.T) {
	stub := &fakeConn{remote: "peer1"}
	c := NewConnection("peer1", stub)

	require.NoError(t, c.Close())
	assert.True(t, stub.closed)
	assert.Nil(t, c.DetachProtocol())
}
