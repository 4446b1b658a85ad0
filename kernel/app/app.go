// Package app implements App: the process-level owner of the addon
// registry, every inbound connection before it migrates to the engine
// serving its graph, and the engines running each started graph.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/closeable"
	"github.com/nmxmxh/tenon/kernel/codec/msgpcodec"
	"github.com/nmxmxh/tenon/kernel/engine"
	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/remote"
	"github.com/nmxmxh/tenon/kernel/value"
)

// Config holds App-level tunables sourced from the app namespace properties
// a property.json file carries.
type Config struct {
	URI                   string
	LogLevel              slog.Level
	OneEventLoopPerEngine bool
	LongRunningMode       bool
	EngineConfig          engine.Config
}

func DefaultConfig() Config {
	return Config{EngineConfig: engine.DefaultConfig()}
}

// App is the process-level owner of the addon registry, the connections
// not yet migrated to an engine, and every running Engine.
type App struct {
	Closeable closeable.Closeable

	URI    string
	Addons *addon.Registry
	cfg    Config

	mu         sync.RWMutex
	engines    map[string]*engine.Engine
	graphNames map[string]string // predefined graph name -> running graph id, for singleton lookups
	orphan     *remote.Remote

	// pending maps a cmd_id this App forwarded into an engine back to the
	// Connection it arrived on, so the eventual cmd_result can be written
	// back out over the wire instead of requiring the engine to know
	// anything about transports.
	pendingMu sync.Mutex
	pending   map[string]*remote.Connection

	controlQueue chan func()
	shutdown     chan struct{}
	wg           sync.WaitGroup

	logger *slog.Logger

	shutdownMu  sync.Mutex
	shutdownFns []func() error

	memTracker *memoryTracker
}

// New constructs an App. logger may be nil, in which case slog.Default is
// used.
func New(cfg Config, addons *addon.Registry, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		URI:          cfg.URI,
		Addons:       addons,
		cfg:          cfg,
		engines:      make(map[string]*engine.Engine),
		graphNames:   make(map[string]string),
		orphan:       remote.NewRemote(),
		pending:      make(map[string]*remote.Connection),
		controlQueue: make(chan func(), 256),
		shutdown:     make(chan struct{}),
		logger:       logger.With("component", "app", "uri", cfg.URI),
	}
}

// Run starts the App's own control-queue loop, its single event loop for
// every task not yet delegated to an engine. If TEN_ENABLE_MEMORY_TRACKING
// is "true" it also starts a background loop logging allocation stats.
func (a *App) Run() {
	a.wg.Add(1)
	go a.loop()

	if os.Getenv("TEN_ENABLE_MEMORY_TRACKING") == "true" {
		a.memTracker = newMemoryTracker(a.logger, 0)
		a.memTracker.start()
	}
}

func (a *App) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.shutdown:
			return
		case fn := <-a.controlQueue:
			fn()
		}
	}
}

// Wait blocks until the App's control-queue loop has exited, i.e. until
// Stop has run to completion's close(a.shutdown) step. Callers that start
// an App and want to block the process until it closes (normally or via
// SignalBridge) call this after Run.
func (a *App) Wait() {
	a.wg.Wait()
}

// PostTask enqueues fn to run on the App's own loop goroutine.
func (a *App) PostTask(fn func()) {
	select {
	case a.controlQueue <- fn:
	case <-a.shutdown:
	}
}

// RegisterShutdownFunc records fn to run, in LIFO order, during Stop —
// the last-registered resource is torn down first.
func (a *App) RegisterShutdownFunc(fn func() error) {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	a.shutdownFns = append(a.shutdownFns, fn)
}

// Stop tears down every engine, closes every connection this App still
// owns directly, and runs registered shutdown functions LIFO.
func (a *App) Stop() {
	a.mu.Lock()
	engines := a.engines
	a.engines = make(map[string]*engine.Engine)
	a.mu.Unlock()
	for _, eng := range engines {
		eng.Stop()
	}

	for _, c := range a.orphan.Connections() {
		_ = c.Close()
	}

	close(a.shutdown)
	a.wg.Wait()

	if a.memTracker != nil {
		a.memTracker.stop()
	}

	a.shutdownMu.Lock()
	fns := append([]func() error(nil), a.shutdownFns...)
	a.shutdownMu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			a.logger.Error("shutdown function failed", "error", err)
		}
	}

	if os.Getenv("TEN_DISABLE_ADDON_UNREGISTER_AFTER_APP_CLOSE") != "true" {
		a.unregisterAllAddons()
	}

	a.Closeable.Close()
}

// unregisterAllAddons unregisters every addon this App's registry holds,
// across all four kinds, as the last step of a normal close — skipped
// entirely when TEN_DISABLE_ADDON_UNREGISTER_AFTER_APP_CLOSE is set.
func (a *App) unregisterAllAddons() {
	for _, kind := range []addon.Kind{addon.KindExtension, addon.KindExtensionGroup, addon.KindProtocol, addon.KindAddonLoader} {
		for _, name := range a.Addons.Names(kind) {
			if err := a.Addons.Unregister(kind, name); err != nil {
				a.logger.Warn("failed to unregister addon during shutdown", "kind", kind, "name", name, "error", err)
			}
		}
	}
}

// AcceptConnection registers conn as an orphan connection — one not yet
// migrated to any engine — and wires its inbound payloads through the
// App's own control queue, per the migration protocol's "inbound
// connections enter through the App thread" rule.
func (a *App) AcceptConnection(conn *remote.Connection) {
	a.orphan.AddConnection(conn)
	conn.SetOnInput(func(data []byte) {
		a.PostTask(func() { a.handleInbound(conn, data) })
	})
}

func (a *App) handleInbound(conn *remote.Connection, data []byte) {
	msg, err := msgpcodec.Decode(data)
	if err != nil {
		a.logger.Warn("dropping undecodable payload", "peer", conn.PeerURI, "error", err)
		return
	}

	if len(msg.Dests) == 0 || msg.Dests[0].GraphID == "" {
		a.handleAppCmd(conn, msg)
		return
	}
	a.migrateOrForward(conn, msg.Dests[0].GraphID, msg)
}

// migrateOrForward implements the connection-migration handshake: a
// connection's first message naming a graph is forwarded to that graph's
// Engine and the connection is marked FirstMsg; once forwarded, the
// connection's protocol is re-attached with an Engine-bound input handler,
// completing migration to Done. Further messages, once
// migration is Done, go straight to the Engine without this App hop at
// all (see completeMigration's replacement of the connection's onInput).
func (a *App) migrateOrForward(conn *remote.Connection, graphID string, msg *message.Message) {
	a.mu.RLock()
	eng, ok := a.engines[graphID]
	a.mu.RUnlock()
	if !ok {
		conn.ResetMigration()
		a.sendGraphNotFound(conn, msg)
		return
	}

	if msg.Type == message.TypeCmd {
		a.pendingMu.Lock()
		a.pending[msg.CmdID] = conn
		a.pendingMu.Unlock()
	}
	eng.Dispatch(msg)

	if conn.MarkFirstMsg() {
		a.completeMigration(conn, eng)
	}
}

// completeMigration detaches conn's protocol and re-attaches it with an
// input handler that decodes each payload and dispatches it straight onto
// eng, instead of bouncing through the App's control queue first. The whole
// handoff, including the move to Done, runs on the App's loop goroutine;
// eng's own loop takes no part in it.
func (a *App) completeMigration(conn *remote.Connection, eng *engine.Engine) {
	proto := conn.DetachProtocol()
	conn.AttachProtocol(proto)
	conn.SetOnInput(func(data []byte) {
		msg, err := msgpcodec.Decode(data)
		if err != nil {
			a.logger.Warn("dropping undecodable payload on migrated connection", "peer", conn.PeerURI, "error", err)
			return
		}
		eng.Dispatch(msg)
	})
	conn.MarkMigrated()
	a.orphan.RemoveConnection(conn.PeerURI)
}

func (a *App) sendGraphNotFound(conn *remote.Connection, msg *message.Message) {
	if msg.Type != message.TypeCmd {
		return
	}
	a.sendResult(conn, message.NewErrorCmdResult(msg.CmdName, msg.CmdID, "Graph not found."))
}

// routeToApp is the RouteToApp callback every Engine this App starts is
// constructed with: a cmd_result correlating to a cmd this App forwarded
// in is written back out over the connection it arrived on.
func (a *App) routeToApp(msg *message.Message) error {
	if msg.Type != message.TypeCmdResult {
		a.logger.Debug("dropping non-cmd_result message with no route out of the app", "type", msg.Type)
		return nil
	}
	a.pendingMu.Lock()
	conn, ok := a.pending[msg.CorrelatesTo]
	if ok {
		delete(a.pending, msg.CorrelatesTo)
	}
	a.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("app: no pending connection for cmd_result correlating to %q", msg.CorrelatesTo)
	}
	return a.sendResult(conn, msg)
}

func (a *App) sendResult(conn *remote.Connection, result *message.Message) error {
	raw, err := msgpcodec.Encode(result)
	if err != nil {
		return fmt.Errorf("app: encoding result: %w", err)
	}
	return conn.Send(raw)
}

func (a *App) replyOverConn(conn *remote.Connection, cmd *message.Message, ok bool, detail string) {
	if ok {
		_ = a.sendResult(conn, message.NewCmdResult(message.StatusOK, cmd.CmdName, cmd.CmdID, true, nil))
		return
	}
	_ = a.sendResult(conn, message.NewErrorCmdResult(cmd.CmdName, cmd.CmdID, detail))
}

// handleAppCmd processes a cmd addressed to the App itself rather than to
// any graph: start_graph, stop_graph, close_app.
func (a *App) handleAppCmd(conn *remote.Connection, msg *message.Message) {
	if msg.Type != message.TypeCmd {
		a.logger.Debug("dropping non-cmd message addressed to the app", "type", msg.Type)
		return
	}
	switch msg.CmdName {
	case "start_graph":
		a.handleStartGraph(conn, msg)
	case "stop_graph":
		a.handleStopGraph(conn, msg)
	case "close_app":
		a.replyOverConn(conn, msg, true, "")
		go a.Stop()
	default:
		a.replyOverConn(conn, msg, false, fmt.Sprintf("unknown app command %q", msg.CmdName))
	}
}

func (a *App) handleStartGraph(conn *remote.Connection, msg *message.Message) {
	desc, err := engine.ParseDescription(msg.Props.Root())
	if err != nil {
		a.replyOverConn(conn, msg, false, err.Error())
		return
	}

	a.startGraph(desc, func(graphID string, err error) {
		if err != nil {
			a.replyOverConn(conn, msg, false, err.Error())
			return
		}
		props := value.NewPropertyTree()
		_ = props.Set("graph_id", value.NewString(graphID))
		a.sendResult(conn, message.NewCmdResult(message.StatusOK, msg.CmdName, msg.CmdID, true, props))
	})
}

// startGraph constructs and runs a new Engine for desc, invoking done with
// the new graph id once it has either finished starting or failed. On
// failure the Engine is torn down again before done is called.
func (a *App) startGraph(desc *engine.Description, done func(graphID string, err error)) {
	graphID := uuid.NewString()
	eng := engine.New(graphID, a.URI, a.Addons, a.cfg.EngineConfig, a.logger, a.routeToApp)
	eng.Run()

	a.mu.Lock()
	a.engines[graphID] = eng
	a.mu.Unlock()

	eng.StartGraph(desc, func(err error) {
		if err != nil {
			a.mu.Lock()
			delete(a.engines, graphID)
			a.mu.Unlock()
			eng.Stop()
			done("", err)
			return
		}
		done(graphID, nil)
	})
}

// StartPredefinedGraph starts a graph known at boot time (one of
// property.json's ten.predefined_graphs entries) and blocks until it has
// either started or failed, since boot has no wire connection to reply
// over. If singleton is set and a graph by this name is already running,
// its existing graph id is returned rather than starting a duplicate.
func (a *App) StartPredefinedGraph(name string, desc *engine.Description, singleton bool) (string, error) {
	if singleton && name != "" {
		a.mu.RLock()
		existing, tracked := a.graphNames[name]
		a.mu.RUnlock()
		if tracked {
			if _, running := a.Engine(existing); running {
				return existing, nil
			}
		}
	}

	type outcome struct {
		graphID string
		err     error
	}
	result := make(chan outcome, 1)
	a.startGraph(desc, func(graphID string, err error) {
		result <- outcome{graphID: graphID, err: err}
	})
	out := <-result
	if out.err != nil {
		return "", fmt.Errorf("app: starting predefined graph %q: %w", name, out.err)
	}

	if name != "" {
		a.mu.Lock()
		a.graphNames[name] = out.graphID
		a.mu.Unlock()
	}
	return out.graphID, nil
}

func (a *App) handleStopGraph(conn *remote.Connection, msg *message.Message) {
	idVal, err := msg.Props.Get("graph_id")
	if err != nil {
		a.replyOverConn(conn, msg, false, "stop_graph requires a graph_id property")
		return
	}
	graphID, err := idVal.AsString()
	if err != nil {
		a.replyOverConn(conn, msg, false, "graph_id must be a string")
		return
	}

	a.mu.RLock()
	eng, ok := a.engines[graphID]
	a.mu.RUnlock()
	if !ok {
		a.replyOverConn(conn, msg, false, "Graph not found.")
		return
	}

	eng.StopGraph(func(err error) {
		a.mu.Lock()
		delete(a.engines, graphID)
		a.mu.Unlock()
		eng.Stop()
		if err != nil {
			a.replyOverConn(conn, msg, false, err.Error())
			return
		}
		a.replyOverConn(conn, msg, true, "")
	})
}

// Engine looks up a running engine by graph id, for callers (tests,
// SignalBridge) that need direct access rather than going through the
// wire protocol.
func (a *App) Engine(graphID string) (*engine.Engine, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.engines[graphID]
	return e, ok
}
