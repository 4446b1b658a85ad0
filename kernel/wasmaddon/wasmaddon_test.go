package wasmaddon

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/codec/msgpcodec"
	"github.com/nmxmxh/tenon/kernel/extension"
	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/value"
)

// fakeCaller stands in for a compiled Module's call method, letting tests
// drive Addon's message<->bytes wiring without a real WebAssembly module.
type fakeCaller struct {
	mu       sync.Mutex
	lastCall []byte
	respond  func(input []byte) ([]byte, error)
}

func (f *fakeCaller) call(input []byte) ([]byte, error) {
	f.mu.Lock()
	f.lastCall = input
	f.mu.Unlock()
	return f.respond(input)
}

func TestHandleCmdEncodesInputAndDecodesResult(t *testing.T) {
	replyProps := value.NewPropertyTree()
	require.NoError(t, replyProps.Set("ok", value.NewBool(true)))
	reply := message.NewCmdResult(message.StatusOK, "ignored", "ignored", true, replyProps)

	fc := &fakeCaller{respond: func(input []byte) ([]byte, error) {
		decoded, err := msgpcodec.Decode(input)
		require.NoError(t, err)
		assert.Equal(t, "ping", decoded.CmdName)
		return msgpcodec.Encode(reply)
	}}
	a := &Addon{module: fc}

	var got *message.Message
	env := &extension.Env{ReturnResult: func(m *message.Message) error { got = m; return nil }}

	props := value.NewPropertyTree()
	cmd := message.NewCmd("ping", props)
	a.handle(env, cmd)

	require.NotNil(t, got)
	assert.Equal(t, message.TypeCmdResult, got.Type)
	assert.Equal(t, message.StatusOK, got.Status)
	assert.Equal(t, "ping", got.OriginalCmdName)
	assert.Equal(t, cmd.CmdID, got.CorrelatesTo)
	assert.True(t, got.IsFinal)

	ok, err := got.Props.Get("ok")
	require.NoError(t, err)
	b, err := ok.AsBool()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestHandleCmdModuleErrorRepliesError(t *testing.T) {
	fc := &fakeCaller{respond: func(input []byte) ([]byte, error) {
		return nil, fmt.Errorf("trap: unreachable")
	}}
	a := &Addon{module: fc}

	var got *message.Message
	env := &extension.Env{ReturnResult: func(m *message.Message) error { got = m; return nil }}

	cmd := message.NewCmd("ping", value.NewPropertyTree())
	a.handle(env, cmd)

	require.NotNil(t, got)
	assert.Equal(t, message.StatusError, got.Status)
}

func TestHandleDataIgnoresModuleOutput(t *testing.T) {
	called := false
	fc := &fakeCaller{respond: func(input []byte) ([]byte, error) {
		called = true
		return []byte("whatever"), nil
	}}
	a := &Addon{module: fc}

	returnCalled := false
	env := &extension.Env{ReturnResult: func(m *message.Message) error { returnCalled = true; return nil }}

	data := message.NewData("frame", value.NewPropertyTree())
	a.handle(env, data)

	assert.True(t, called, "the module should still be invoked for data")
	assert.False(t, returnCalled, "data has no reply path")
}

func TestOnCreateInstanceProducesExtensionWithCallbacksWired(t *testing.T) {
	fc := &fakeCaller{respond: func(input []byte) ([]byte, error) { return nil, nil }}
	a := &Addon{module: fc}

	var instance any
	a.OnCreateInstance(&addon.Host{}, "e1", func(inst any, err error) {
		require.NoError(t, err)
		instance = inst
	})

	ext, ok := instance.(*extension.Extension)
	require.True(t, ok)
	assert.NotNil(t, ext.Callbacks.OnCmd)
	assert.NotNil(t, ext.Callbacks.OnData)
	assert.NotNil(t, ext.Callbacks.OnAudioFrame)
	assert.NotNil(t, ext.Callbacks.OnVideoFrame)
}
