package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/codec/msgpcodec"
	"github.com/nmxmxh/tenon/kernel/extension"
	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/remote"
	"github.com/nmxmxh/tenon/kernel/value"
)

// fakePeerConn is a minimal protocol.Conn stub representing the far end of
// one connection, letting tests inject inbound bytes and observe outbound
// ones without a real transport.
type fakePeerConn struct {
	mu      sync.Mutex
	sent    [][]byte
	onInput func(data []byte)
	closed  bool
}

func (f *fakePeerConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakePeerConn) SetOnInput(handler func(data []byte)) { f.onInput = handler }
func (f *fakePeerConn) RemoteURI() string                    { return "peer1" }
func (f *fakePeerConn) Close() error                          { f.closed = true; return nil }

func (f *fakePeerConn) deliver(data []byte) {
	f.mu.Lock()
	h := f.onInput
	f.mu.Unlock()
	h(data)
}

func (f *fakePeerConn) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func registerEchoAddon(t *testing.T, registry *addon.Registry) {
	t.Helper()
	echo := &stubExtensionAddon{}
	_, err := registry.Register(context.Background(), addon.KindExtension, "echo", "", echo)
	require.NoError(t, err)
}

type stubExtensionAddon struct{}

func (stubExtensionAddon) OnInit(*addon.Host) error   { return nil }
func (stubExtensionAddon) OnDeinit(*addon.Host) error { return nil }
func (stubExtensionAddon) OnDestroyAddon()            {}
func (stubExtensionAddon) OnCreateInstance(host *addon.Host, instanceName string, cb func(instance any, err error)) {
	ext := extension.New(instanceName, message.Loc{}, extension.Callbacks{
		OnCmd: func(env *extension.Env, cmd *message.Message) {
			_ = env.ReturnResult(message.NewCmdResult(message.StatusOK, cmd.CmdName, cmd.CmdID, true, cmd.Props.Clone()))
		},
	}, 0)
	cb(ext, nil)
}
func (stubExtensionAddon) OnDestroyInstance(host *addon.Host, instance any, cb func(err error)) {
	cb(nil)
}

func newTestApp(t *testing.T) (*App, *fakePeerConn) {
	t.Helper()
	registry := addon.NewRegistry()
	registerEchoAddon(t, registry)

	a := New(DefaultConfig(), registry, nil)
	a.Run()
	t.Cleanup(a.Stop)

	peer := &fakePeerConn{}
	conn := remote.NewConnection("peer1", peer)
	a.AcceptConnection(conn)
	return a, peer
}

func decodeLast(t *testing.T, peer *fakePeerConn) *message.Message {
	t.Helper()
	raw := peer.lastSent()
	require.NotNil(t, raw, "expected a reply to have been sent")
	msg, err := msgpcodec.Decode(raw)
	require.NoError(t, err)
	return msg
}

func waitForSent(t *testing.T, peer *fakePeerConn, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		peer.mu.Lock()
		got := len(peer.sent)
		peer.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d sent messages, got %d", n, got)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestStartGraphThenDispatchMigratesConnection(t *testing.T) {
	a, peer := newTestApp(t)

	props := value.NewPropertyTree()
	startCmd := message.NewCmd("start_graph", props)
	nodes := map[string]any{
		"nodes": []any{
			map[string]any{"type": "extension", "name": "e1", "addon": "echo", "extension_group": "g1"},
		},
	}
	raw, err := encodeStartGraphProps(nodes)
	require.NoError(t, err)
	startCmd.Props = raw

	startBytes, err := msgpcodec.Encode(startCmd)
	require.NoError(t, err)
	peer.deliver(startBytes)

	waitForSent(t, peer, 1)
	reply := decodeLast(t, peer)
	require.Equal(t, message.StatusOK, reply.Status)
	graphIDVal, err := reply.Props.Get("graph_id")
	require.NoError(t, err)
	graphID, err := graphIDVal.AsString()
	require.NoError(t, err)
	require.NotEmpty(t, graphID)

	_, ok := a.Engine(graphID)
	require.True(t, ok)

	cmd := message.NewCmd("ping", value.NewPropertyTree())
	cmd.Dests = []message.Loc{{GraphID: graphID, ExtensionGroupName: "g1", ExtensionName: "e1"}}
	cmdBytes, err := msgpcodec.Encode(cmd)
	require.NoError(t, err)
	peer.deliver(cmdBytes)

	waitForSent(t, peer, 2)
	pingReply := decodeLast(t, peer)
	assert.Equal(t, message.StatusOK, pingReply.Status)
	assert.Equal(t, cmd.CmdID, pingReply.CorrelatesTo)

	conn, found := a.orphan.Connection("peer1")
	assert.False(t, found, "connection should have migrated out of the app's orphan set")
	_ = conn
}

func TestUnknownGraphSendsGraphNotFoundAndResetsMigration(t *testing.T) {
	a, peer := newTestApp(t)
	_ = a

	cmd := message.NewCmd("ping", value.NewPropertyTree())
	cmd.Dests = []message.Loc{{GraphID: "does-not-exist", ExtensionGroupName: "g1", ExtensionName: "e1"}}
	raw, err := msgpcodec.Encode(cmd)
	require.NoError(t, err)
	peer.deliver(raw)

	waitForSent(t, peer, 1)
	reply := decodeLast(t, peer)
	assert.Equal(t, message.StatusError, reply.Status)

	conn, found := a.orphan.Connection("peer1")
	require.True(t, found, "connection should stay in the app's orphan set")
	assert.Equal(t, remote.MigrationInit, conn.MigrationState())
}

func TestCloseAppStopsEngines(t *testing.T) {
	registry := addon.NewRegistry()
	registerEchoAddon(t, registry)
	a := New(DefaultConfig(), registry, nil)
	a.Run()

	peer := &fakePeerConn{}
	conn := remote.NewConnection("peer1", peer)
	a.AcceptConnection(conn)

	startCmd := message.NewCmd("start_graph", value.NewPropertyTree())
	graphProps, err := encodeStartGraphProps(map[string]any{
		"nodes": []any{
			map[string]any{"type": "extension", "name": "e1", "addon": "echo", "extension_group": "g1"},
		},
	})
	require.NoError(t, err)
	startCmd.Props = graphProps
	startBytes, err := msgpcodec.Encode(startCmd)
	require.NoError(t, err)
	peer.deliver(startBytes)
	waitForSent(t, peer, 1)
	graphIDVal, err := decodeLast(t, peer).Props.Get("graph_id")
	require.NoError(t, err)
	graphID, err := graphIDVal.AsString()
	require.NoError(t, err)
	_, running := a.Engine(graphID)
	require.True(t, running)

	closeCmd := message.NewCmd("close_app", value.NewPropertyTree())
	raw, err := msgpcodec.Encode(closeCmd)
	require.NoError(t, err)
	peer.deliver(raw)

	waitForSent(t, peer, 2)
	reply := decodeLast(t, peer)
	assert.Equal(t, message.StatusOK, reply.Status)

	a.Wait()
	_, running = a.Engine(graphID)
	assert.False(t, running, "close_app should have stopped every running engine")
}

func TestStopUnregistersAddonsUnlessDisabled(t *testing.T) {
	registry := addon.NewRegistry()
	registerEchoAddon(t, registry)
	a := New(DefaultConfig(), registry, nil)
	a.Run()

	a.Stop()

	assert.Empty(t, registry.Names(addon.KindExtension))
}

func TestStopKeepsAddonsRegisteredWhenDisabled(t *testing.T) {
	t.Setenv("TEN_DISABLE_ADDON_UNREGISTER_AFTER_APP_CLOSE", "true")

	registry := addon.NewRegistry()
	registerEchoAddon(t, registry)
	a := New(DefaultConfig(), registry, nil)
	a.Run()

	a.Stop()

	assert.Contains(t, registry.Names(addon.KindExtension), "echo")
}

func TestRunStartsMemoryTrackerWhenEnabled(t *testing.T) {
	t.Setenv("TEN_ENABLE_MEMORY_TRACKING", "true")

	registry := addon.NewRegistry()
	a := New(DefaultConfig(), registry, nil)
	a.Run()
	defer a.Stop()

	assert.NotNil(t, a.memTracker)
}

// encodeStartGraphProps converts a plain nodes/connections map into a
// PropertyTree via JSON, mirroring how a real start_graph cmd's payload
// would arrive on the wire.
func encodeStartGraphProps(graph map[string]any) (*value.PropertyTree, error) {
	raw, err := json.Marshal(graph)
	if err != nil {
		return nil, err
	}
	v, err := value.FromJSON(raw)
	if err != nil {
		return nil, err
	}
	return value.NewPropertyTreeFromValue(v), nil
}
