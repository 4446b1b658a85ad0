// Package wasmaddon implements an addon.Addon whose instances are
// Extensions backed by a WebAssembly module: every Cmd/Data/AudioFrame/
// VideoFrame the extension receives is MessagePack-encoded and passed to
// the module's exported "main" function, whose returned bytes are decoded
// back into the reply the callback sends.
package wasmaddon

import (
	"fmt"
	"os"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/codec/msgpcodec"
	"github.com/nmxmxh/tenon/kernel/extension"
	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/value"
)

// Module wraps one loaded WebAssembly module: compiled once, instantiated
// afresh for every call so each call gets an isolated linear memory.
type Module struct {
	engine *wasmer.Engine
	store  *wasmer.Store
	mod    *wasmer.Module
}

// LoadModule compiles wasmBytes ahead of instantiation.
func LoadModule(wasmBytes []byte) (*Module, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	mod, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmaddon: compiling module: %w", err)
	}
	return &Module{engine: engine, store: store, mod: mod}, nil
}

// LoadModuleFile reads and compiles the module at path.
func LoadModuleFile(path string) (*Module, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasmaddon: reading %s: %w", path, err)
	}
	return LoadModule(wasmBytes)
}

// call instantiates a fresh instance and invokes its exported "main"
// function with input, returning whatever bytes it produced.
func (m *Module) call(input []byte) ([]byte, error) {
	instance, err := wasmer.NewInstance(m.mod, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("wasmaddon: instantiating module: %w", err)
	}
	mainFunc, err := instance.Exports.GetFunction("main")
	if err != nil {
		return nil, fmt.Errorf("wasmaddon: module has no exported \"main\" function: %w", err)
	}
	result, err := mainFunc(input)
	if err != nil {
		return nil, fmt.Errorf("wasmaddon: invoking module: %w", err)
	}
	out, ok := result.([]byte)
	if !ok {
		return nil, nil
	}
	return out, nil
}

// caller is the narrow surface Addon needs from a compiled Module,
// factored out so tests can exercise the message<->bytes wiring without a
// real compiled WebAssembly module.
type caller interface {
	call(input []byte) ([]byte, error)
}

// Addon is the addon.KindExtension vtable backing WebAssembly-implemented
// extensions. One Addon wraps one compiled Module; every instance it
// creates shares that compiled module, which is instantiated afresh on
// each call.
type Addon struct {
	module caller
}

// NewAddon returns the addon.Addon backing WebAssembly extensions loaded
// from module.
func NewAddon(module *Module) addon.Addon {
	return &Addon{module: module}
}

func (a *Addon) OnInit(*addon.Host) error   { return nil }
func (a *Addon) OnDeinit(*addon.Host) error { return nil }
func (a *Addon) OnDestroyAddon()            {}

func (a *Addon) OnCreateInstance(host *addon.Host, instanceName string, cb func(instance any, err error)) {
	ext := extension.New(instanceName, message.Loc{}, extension.Callbacks{
		OnCmd:        a.handle,
		OnData:       a.handle,
		OnAudioFrame: a.handle,
		OnVideoFrame: a.handle,
	}, 0)
	cb(ext, nil)
}

func (a *Addon) OnDestroyInstance(host *addon.Host, instance any, cb func(err error)) {
	cb(nil)
}

// handle marshals msg through the module and, for a Cmd, returns whatever
// the module produced as the cmd_result; for other message kinds the
// module's return value is ignored (it has no reply path).
func (a *Addon) handle(env *extension.Env, msg *message.Message) {
	input, err := msgpcodec.Encode(msg)
	if err != nil {
		a.replyError(env, msg, fmt.Sprintf("encoding input: %v", err))
		return
	}

	output, err := a.module.call(input)
	if err != nil {
		a.replyError(env, msg, err.Error())
		return
	}
	if msg.Type != message.TypeCmd {
		return
	}
	if len(output) == 0 {
		_ = env.ReturnResult(message.NewCmdResult(message.StatusOK, msg.CmdName, msg.CmdID, true, nil))
		return
	}
	result, err := msgpcodec.Decode(output)
	if err != nil {
		a.replyError(env, msg, fmt.Sprintf("decoding output: %v", err))
		return
	}
	result.Type = message.TypeCmdResult
	result.OriginalCmdName = msg.CmdName
	result.CorrelatesTo = msg.CmdID
	result.IsFinal = true
	if result.Props == nil {
		result.Props = value.NewPropertyTree()
	}
	_ = env.ReturnResult(result)
}

func (a *Addon) replyError(env *extension.Env, msg *message.Message, detail string) {
	if msg.Type != message.TypeCmd {
		return
	}
	_ = env.ReturnResult(message.NewErrorCmdResult(msg.CmdName, msg.CmdID, detail))
}
