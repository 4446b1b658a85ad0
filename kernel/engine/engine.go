// Package engine implements Engine: one running graph instance, owning the
// ExtensionThreads for its ExtensionGroups and routing messages between
// them and back out to the owning App for everything else.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/tenon/kernel/addon"
	"github.com/nmxmxh/tenon/kernel/closeable"
	"github.com/nmxmxh/tenon/kernel/extension"
	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/path"
	"github.com/nmxmxh/tenon/kernel/thread"
)

// State is one of an Engine's coarse run states, tracked alongside its
// embedded Closeable.
type State int32

const (
	StateNew State = iota
	StateStartingGraph
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateStartingGraph:
		return "StartingGraph"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config holds an Engine's tunables.
type Config struct {
	InboundQueueSize int
	ThreadConfig     thread.Config
	PathTable        path.TableConfig
}

// DefaultConfig returns production defaults for an Engine.
func DefaultConfig() Config {
	return Config{
		InboundQueueSize: 1024,
		ThreadConfig:     thread.DefaultConfig(),
		PathTable:        path.DefaultTableConfig(),
	}
}

// RouteToApp is supplied by the owning App to forward a message whose
// destination graph_id is not this engine's own — cross-engine routing.
type RouteToApp func(msg *message.Message) error

// Engine runs one graph instance: a set of ExtensionThreads (one per
// ExtensionGroup) plus the cross-thread routing between them.
type Engine struct {
	Closeable closeable.Closeable

	ID     string
	AppURI string

	addons *addon.Registry
	cfg    Config

	mu      sync.RWMutex
	threads map[string]*thread.Thread // by extension_group_name

	// PathTable is the engine's own path table, swept while the engine
	// runs; the engine itself adds no paths to it.
	PathTable *path.Table

	state atomic.Int32

	inMsgs     chan *message.Message
	routeToApp RouteToApp

	logger   *slog.Logger
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Engine for graphID, owned by an App at appURI, using
// addons to instantiate extension and extension_group instances.
func New(graphID, appURI string, addons *addon.Registry, cfg Config, logger *slog.Logger, routeToApp RouteToApp) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine", "graph_id", graphID)

	e := &Engine{
		ID:         graphID,
		AppURI:     appURI,
		addons:     addons,
		cfg:        cfg,
		threads:    make(map[string]*thread.Thread),
		inMsgs:     make(chan *message.Message, cfg.InboundQueueSize),
		routeToApp: routeToApp,
		logger:     logger,
		shutdown:   make(chan struct{}),
	}
	e.state.Store(int32(StateNew))
	e.PathTable = path.NewTable(cfg.PathTable, logger, e.onOriginatedTimeout)

	if addons.Lookup(addon.KindExtensionGroup, extension.DefaultGroupAddonName) == nil {
		_, _ = addons.Register(context.Background(), addon.KindExtensionGroup, extension.DefaultGroupAddonName, "", extension.NewDefaultGroupAddon())
	}
	return e
}

func (e *Engine) State() State { return State(e.state.Load()) }

// Run starts the engine's inbound-message loop and its own PathTable sweep.
func (e *Engine) Run() {
	e.wg.Add(1)
	go e.loop()
	e.PathTable.Start()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdown:
			return
		case msg := <-e.inMsgs:
			e.route(msg)
		}
	}
}

// Dispatch enqueues msg for routing to the right ExtensionThread.
func (e *Engine) Dispatch(msg *message.Message) {
	select {
	case e.inMsgs <- msg:
	case <-e.shutdown:
	}
}

func (e *Engine) onOriginatedTimeout(p *path.Path) {
	timeout := message.NewTimeoutCmdResult(p.CmdName, p.CmdID)
	timeout.Dests = []message.Loc{p.OriginalSrc}
	_ = e.routeExternally(timeout)
}

// route delivers msg to the ExtensionThread owning its destination's
// extension_group, or forwards it to the App for cross-engine delivery.
func (e *Engine) route(msg *message.Message) {
	if len(msg.Dests) == 0 {
		return
	}
	dest := msg.Dests[0]
	if dest.GraphID != "" && dest.GraphID != e.ID {
		_ = e.routeExternally(msg)
		return
	}
	e.mu.RLock()
	th, ok := e.threads[dest.ExtensionGroupName]
	e.mu.RUnlock()
	if !ok {
		// Not one of this engine's own extension_groups — hand it up to the
		// App rather than drop it; this is also how a cmd_result reaches a
		// sender that lives outside the graph entirely (its Loc names no
		// extension_group this engine owns).
		_ = e.routeExternally(msg)
		return
	}
	th.Dispatch(msg)
}

func (e *Engine) routeExternally(msg *message.Message) error {
	if e.routeToApp == nil {
		return fmt.Errorf("engine: no cross-engine router installed")
	}
	return e.routeToApp(msg)
}

// threadRouteOut is supplied to every thread.New call as its routeOut
// callback: anything a thread can't deliver within its own group comes back
// here for engine-level (same-graph, cross-group) or cross-engine routing.
func (e *Engine) threadRouteOut(msg *message.Message) error {
	e.Dispatch(msg)
	return nil
}

// HandleStartGraph parses cmd's properties as a graph description, builds
// and starts every ExtensionGroup/ExtensionThread it names, and routes a
// cmd_result back to cmd's sender once the graph is fully running (or the
// attempt has failed).
func (e *Engine) HandleStartGraph(cmd *message.Message) {
	desc, err := ParseDescription(cmd.Props.Root())
	if err != nil {
		e.replyGraphCmd(cmd, false, err.Error())
		return
	}
	e.StartGraph(desc, func(err error) {
		if err != nil {
			e.replyGraphCmd(cmd, false, err.Error())
			return
		}
		e.replyGraphCmd(cmd, true, "")
	})
}

// HandleStopGraph tears down every running ExtensionThread and routes a
// cmd_result back to cmd's sender once every thread has cascaded through
// on_stop/on_deinit.
func (e *Engine) HandleStopGraph(cmd *message.Message) {
	e.StopGraph(func(err error) {
		if err != nil {
			e.replyGraphCmd(cmd, false, err.Error())
			return
		}
		e.replyGraphCmd(cmd, true, "")
	})
}

func (e *Engine) replyGraphCmd(cmd *message.Message, ok bool, detail string) {
	var result *message.Message
	if ok {
		result = message.NewCmdResult(message.StatusOK, cmd.CmdName, cmd.CmdID, true, nil)
	} else {
		result = message.NewErrorCmdResult(cmd.CmdName, cmd.CmdID, detail)
	}
	result.Dests = []message.Loc{cmd.Src}
	_ = e.routeExternally(result)
}

// StartGraph builds one ExtensionGroup and ExtensionThread per group named
// in desc, creates every extension within them, wires each extension's
// outbound routing table from desc's connections, and starts them all —
// the four ordered phases spec'd for graph start. done is invoked exactly
// once with the first error encountered, if any; on failure, any thread
// already brought up during this attempt is torn back down before done is
// called.
func (e *Engine) StartGraph(desc *Description, done func(err error)) {
	e.state.Store(int32(StateStartingGraph))
	groupNames := desc.groupNames()
	if len(groupNames) == 0 {
		done(fmt.Errorf("engine: graph description has no extension nodes"))
		return
	}

	type groupOutcome struct {
		name string
		th   *thread.Thread
		err  error
	}
	outcomes := make(chan groupOutcome, len(groupNames))

	for _, name := range groupNames {
		name := name
		addonName := desc.extensionGroupAddon(name, extension.DefaultGroupAddonName)
		e.addons.CreateInstanceAsync(addon.KindExtensionGroup, addonName, name, func(_ string, instance any, err error) {
			if err != nil {
				outcomes <- groupOutcome{name: name, err: fmt.Errorf("engine: creating extension_group %q: %w", name, err)}
				return
			}
			group, ok := instance.(*extension.Group)
			if !ok {
				outcomes <- groupOutcome{name: name, err: fmt.Errorf("engine: addon %q did not produce an *extension.Group", addonName)}
				return
			}

			var specs []extension.InstanceSpec
			for _, n := range desc.extensionsIn(name) {
				specs = append(specs, extension.InstanceSpec{AddonName: n.Addon, InstanceName: n.Name})
			}
			group.SetSpecs(specs)

			loc := message.Loc{AppURI: e.AppURI, GraphID: e.ID, ExtensionGroupName: name}
			th, err := thread.New(loc, group, e.cfg.ThreadConfig, e.logger, e.threadRouteOut)
			if err != nil {
				outcomes <- groupOutcome{name: name, err: fmt.Errorf("engine: constructing thread for extension_group %q: %w", name, err)}
				return
			}
			th.Run()
			outcomes <- groupOutcome{name: name, th: th}
		})
	}

	threads := make(map[string]*thread.Thread, len(groupNames))
	var firstErr error
	for i := 0; i < len(groupNames); i++ {
		o := <-outcomes
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		threads[o.name] = o.th
	}
	if firstErr != nil {
		stopThreads(threads)
		done(firstErr)
		return
	}

	createDone := make(chan error, len(threads))
	for _, th := range threads {
		th.CreateExtensions(e.addons, e.cfg.PathTable, func(err error) { createDone <- err })
	}
	if err := waitAll(createDone, len(threads)); err != nil {
		stopThreads(threads)
		done(fmt.Errorf("engine: creating extensions: %w", err))
		return
	}

	for groupName, th := range threads {
		for _, ext := range th.Group.Extensions() {
			if conn := desc.connectionFor(groupName, ext.Name); conn != nil {
				wireRouting(ext.Routing, conn)
			}
		}
	}

	startDone := make(chan error, len(threads))
	for _, th := range threads {
		th := th
		_ = th.PostTask(func() {
			th.StartExtensions(func(err error) { startDone <- err })
		})
	}
	if err := waitAll(startDone, len(threads)); err != nil {
		stopThreads(threads)
		done(fmt.Errorf("engine: starting extensions: %w", err))
		return
	}

	e.mu.Lock()
	for name, th := range threads {
		e.threads[name] = th
	}
	e.mu.Unlock()

	e.state.Store(int32(StateRunning))
	done(nil)
}

// StopGraph cascades on_stop -> on_deinit across every extension of every
// running thread, then halts the threads themselves.
func (e *Engine) StopGraph(done func(err error)) {
	e.mu.Lock()
	threads := make(map[string]*thread.Thread, len(e.threads))
	for name, th := range e.threads {
		threads[name] = th
	}
	e.threads = make(map[string]*thread.Thread)
	e.mu.Unlock()

	if len(threads) == 0 {
		done(nil)
		return
	}

	stopDone := make(chan error, len(threads))
	for _, th := range threads {
		th := th
		_ = th.PostTask(func() {
			th.StopExtensions(func(err error) { stopDone <- err })
		})
	}
	err := waitAll(stopDone, len(threads))
	stopThreads(threads)
	done(err)
}

// wireRouting installs conn's per-message-kind destination lists into
// routing, the form sendOutbound consults when an extension emits a message
// with no explicit dests.
func wireRouting(routing *extension.RoutingTable, conn *Connection) {
	fill := func(dst map[string][]message.Loc, conns []MsgConn) {
		for _, mc := range conns {
			dests := make([]message.Loc, len(mc.Dest))
			for i, d := range mc.Dest {
				dests[i] = message.Loc{AppURI: d.App, ExtensionGroupName: d.ExtensionGroup, ExtensionName: d.Extension}
			}
			dst[mc.Name] = dests
		}
	}
	fill(routing.Cmd, conn.Cmd)
	fill(routing.Data, conn.Data)
	fill(routing.AudioFrame, conn.AudioFrame)
	fill(routing.VideoFrame, conn.VideoFrame)
}

func waitAll(results <-chan error, n int) error {
	var firstErr error
	for i := 0; i < n; i++ {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func stopThreads(threads map[string]*thread.Thread) {
	for _, th := range threads {
		th.Stop()
	}
}

// Stop halts the inbound loop and every owned thread, waiting for both.
func (e *Engine) Stop() {
	close(e.shutdown)
	e.wg.Wait()
	e.PathTable.Stop()

	e.mu.RLock()
	threads := make([]*thread.Thread, 0, len(e.threads))
	for _, th := range e.threads {
		threads = append(threads, th)
	}
	e.mu.RUnlock()
	for _, th := range threads {
		th.Stop()
	}
	e.state.Store(int32(StateClosed))
}
