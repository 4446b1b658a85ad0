package extension

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tenon/kernel/message"
)

func newTestExtension() *Extension {
	return New("e1", message.Loc{ExtensionName: "e1"}, Callbacks{}, 0)
}

func TestLifecycleHappyPath(t *testing.T) {
	e := newTestExtension()
	env := &Env{ext: e}

	require.NoError(t, e.Init(env))
	assert.Equal(t, StateInitDone, e.State())

	require.NoError(t, e.Start(env))
	assert.Equal(t, StateStartDone, e.State())
	assert.True(t, e.ReadyForDispatch())

	require.NoError(t, e.Stop(env))
	assert.Equal(t, StateStopDone, e.State())
	assert.False(t, e.AcceptingNewMessages())

	require.NoError(t, e.Deinit(env))
	assert.Equal(t, StateDeinited, e.State())
}

func TestTransitionOutOfOrderFails(t *testing.T) {
	e := newTestExtension()
	env := &Env{ext: e}
	err := e.Start(env)
	assert.Error(t, err)
}

func TestCustomCallbackMustCallDoneExplicitly(t *testing.T) {
	called := false
	e := New("e1", message.Loc{}, Callbacks{
		OnInit: func(env *Env) {
			called = true
			env.OnInitDone()
		},
	}, 0)
	env := &Env{ext: e}
	require.NoError(t, e.Init(env))
	assert.True(t, called)
	assert.Equal(t, StateInitDone, e.State())
}

func TestGroupTracksExtensionsInOrder(t *testing.T) {
	g := NewGroup("g1", []InstanceSpec{{AddonName: "echo", InstanceName: "e1"}})
	e1 := New("e1", message.Loc{}, Callbacks{}, 0)
	e2 := New("e2", message.Loc{}, Callbacks{}, 0)
	g.AddExtension(e1)
	g.AddExtension(e2)

	names := make([]string, 0)
	for _, e := range g.Extensions() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"e1", "e2"}, names)
}
