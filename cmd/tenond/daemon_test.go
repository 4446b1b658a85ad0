package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/app"
	"github.com/nmxmxh/tenon/kernel/engine"
	"github.com/nmxmxh/tenon/kernel/extension"
	"github.com/nmxmxh/tenon/kernel/message"
)

func TestRegisterBuiltinAddonsRegistersProtocolAddons(t *testing.T) {
	registry := addon.NewRegistry()
	require.NoError(t, registerBuiltinAddons(registry))

	assert.Contains(t, registry.Names(addon.KindProtocol), "wsproto")
	assert.Contains(t, registry.Names(addon.KindProtocol), "libp2pproto")
	assert.Empty(t, registry.Names(addon.KindExtension), "no wasm addon without TEN_WASM_MODULE_PATH")
}

func TestRegisterBuiltinAddonsFailsOnBadWasmModulePath(t *testing.T) {
	t.Setenv("TEN_WASM_MODULE_PATH", filepath.Join(t.TempDir(), "does-not-exist.wasm"))

	registry := addon.NewRegistry()
	assert.Error(t, registerBuiltinAddons(registry))
}

type stubExtensionAddon struct{}

func (stubExtensionAddon) OnInit(*addon.Host) error   { return nil }
func (stubExtensionAddon) OnDeinit(*addon.Host) error { return nil }
func (stubExtensionAddon) OnDestroyAddon()            {}
func (stubExtensionAddon) OnCreateInstance(host *addon.Host, instanceName string, cb func(instance any, err error)) {
	ext := extension.New(instanceName, message.Loc{}, extension.Callbacks{}, 0)
	cb(ext, nil)
}
func (stubExtensionAddon) OnDestroyInstance(host *addon.Host, instance any, cb func(err error)) {
	cb(nil)
}

func TestStartPredefinedGraphsStartsAutoStartOnly(t *testing.T) {
	registry := addon.NewRegistry()
	_, err := registry.Register(context.Background(), addon.KindExtension, "echo", "", stubExtensionAddon{})
	require.NoError(t, err)

	a := app.New(app.DefaultConfig(), registry, nil)
	a.Run()
	t.Cleanup(a.Stop)

	pf := &app.PropertyFile{Ten: app.TenProperty{
		PredefinedGraphs: []app.PredefinedGraph{
			{
				Name:      "auto",
				AutoStart: true,
				Singleton: true,
				Nodes:     []engine.Node{{Type: "extension", Name: "e1", Addon: "echo", ExtensionGroup: "g1"}},
			},
			{
				Name:      "manual",
				AutoStart: false,
				Nodes:     []engine.Node{{Type: "extension", Name: "e2", Addon: "echo", ExtensionGroup: "g2"}},
			},
		},
	}}

	require.NoError(t, startPredefinedGraphs(a, pf))

	// The singleton "auto" graph is already running: a second request for
	// the same name returns the same graph id rather than starting a
	// duplicate.
	id1, err := a.StartPredefinedGraph("auto", pf.Ten.PredefinedGraphs[0].Description(), true)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := a.StartPredefinedGraph("auto", pf.Ten.PredefinedGraphs[0].Description(), true)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
