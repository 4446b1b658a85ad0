package addon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAddon struct {
	initCalled    bool
	deinitCalled  bool
	destroyCalled bool
}

func (s *stubAddon) OnInit(host *Host) error   { s.initCalled = true; return nil }
func (s *stubAddon) OnDeinit(host *Host) error { s.deinitCalled = true; return nil }
func (s *stubAddon) OnCreateInstance(host *Host, instanceName string, cb func(instance any, err error)) {
	cb(instanceName, nil)
}
func (s *stubAddon) OnDestroyInstance(host *Host, instance any, cb func(err error)) {
	cb(nil)
}
func (s *stubAddon) OnDestroyAddon() { s.destroyCalled = true }

func TestRegisterDuplicateName(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	_, err := r.Register(ctx, KindExtension, "echo", "", &stubAddon{})
	require.NoError(t, err)

	_, err = r.Register(ctx, KindExtension, "echo", "", &stubAddon{})
	assert.ErrorAs(t, err, new(*ErrDuplicateName))
}

func TestCreateInstanceUnknownAddon(t *testing.T) {
	r := NewRegistry()
	r.CreateInstanceAsync(KindExtension, "missing", "inst1", func(handle string, instance any, err error) {
		assert.ErrorAs(t, err, new(*ErrUnknownAddon))
	})
}

func TestReferenceBalance(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	a := &stubAddon{}
	host, err := r.Register(ctx, KindExtension, "echo", "", a)
	require.NoError(t, err)
	assert.Equal(t, 1, host.RefCount())

	var instance any
	r.CreateInstanceAsync(KindExtension, "echo", "inst1", func(handle string, inst any, err error) {
		require.NoError(t, err)
		instance = inst
	})
	assert.Equal(t, 2, host.RefCount())

	r.DestroyInstanceAsync(host, instance, func(err error) {
		require.NoError(t, err)
	})
	assert.Equal(t, 1, host.RefCount())

	require.NoError(t, r.Unregister(KindExtension, "echo"))
	assert.Equal(t, 0, host.RefCount())
	assert.True(t, a.destroyCalled)

	assert.Nil(t, r.Lookup(KindExtension, "echo"))
}
