package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteAddLookupRemove(t *testing.T) {
	r := NewRemote()
	c := NewConnection("peer1", &fakeConn{remote: "peer1"})

	r.AddConnection(c)
	got, ok := r.Connection("peer1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())

	r.RemoveConnection("peer1")
	_, ok = r.Connection("peer1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRemoteConnectionsSnapshot(t *testing.T) {
	r := NewRemote()
	c1 := NewConnection("peer1", &fakeConn{remote: "peer1"})
	c2 := NewConnection("peer2", &fakeConn{remote: "peer2"})
	r.AddConnection(c1)
	r.AddConnection(c2)

	all := r.Connections()
	assert.Len(t, all, 2)
}
