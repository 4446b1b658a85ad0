// Package extension implements the Extension and ExtensionGroup state
// machines: the user-facing unit of the runtime and its container.
package extension

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/tenon/kernel/closeable"
	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/path"
	"github.com/nmxmxh/tenon/kernel/value"
)

// State is a lifecycle stage of an Extension or ExtensionGroup.
type State int32

const (
	StateNew State = iota
	StateInit
	StateInitDone
	StateStart
	StateStartDone
	StateStop
	StateStopDone
	StateDeinit
	StateDeinited
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateInit:
		return "Init"
	case StateInitDone:
		return "InitDone"
	case StateStart:
		return "Start"
	case StateStartDone:
		return "StartDone"
	case StateStop:
		return "Stop"
	case StateStopDone:
		return "StopDone"
	case StateDeinit:
		return "Deinit"
	case StateDeinited:
		return "Deinited"
	default:
		return "Unknown"
	}
}

// Env is the handle user callbacks receive to drive lifecycle progress and
// send messages. It is the in-process analogue of ten_env — every method
// here must be called from the owning ExtensionThread's runloop (or via a
// proxy that posts back onto it); Env itself does not enforce that.
type Env struct {
	ext *Extension

	OnInitDone             func()
	OnStartDone            func()
	OnStopDone             func()
	OnDeinitDone           func()
	SendCmd                func(cmd *message.Message, handler path.ResultHandler, handlerData any) error
	SendData               func(data *message.Message) error
	SendAudioFrame         func(frame *message.Message) error
	SendVideoFrame         func(frame *message.Message) error
	ReturnResult           func(result *message.Message) error
}

// Callbacks is the set of eight user-overridable extension hooks. The four
// lifecycle hooks default to the corresponding On*Done call on the supplied
// Env; the four message hooks have no default.
type Callbacks struct {
	OnInit        func(env *Env)
	OnStart       func(env *Env)
	OnStop        func(env *Env)
	OnDeinit      func(env *Env)
	OnCmd         func(env *Env, cmd *message.Message)
	OnData        func(env *Env, data *message.Message)
	OnAudioFrame  func(env *Env, frame *message.Message)
	OnVideoFrame  func(env *Env, frame *message.Message)
}

func defaultOnInit(env *Env)   { env.OnInitDone() }
func defaultOnStart(env *Env)  { env.OnStartDone() }
func defaultOnStop(env *Env)   { env.OnStopDone() }
func defaultOnDeinit(env *Env) { env.OnDeinitDone() }

func (c *Callbacks) fillDefaults() {
	if c.OnInit == nil {
		c.OnInit = defaultOnInit
	}
	if c.OnStart == nil {
		c.OnStart = defaultOnStart
	}
	if c.OnStop == nil {
		c.OnStop = defaultOnStop
	}
	if c.OnDeinit == nil {
		c.OnDeinit = defaultOnDeinit
	}
}

// RoutingTable maps an outbound message name to its resolved destinations,
// built from the graph description during graph start.
type RoutingTable struct {
	Cmd        map[string][]message.Loc
	Data       map[string][]message.Loc
	AudioFrame map[string][]message.Loc
	VideoFrame map[string][]message.Loc
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		Cmd:        make(map[string][]message.Loc),
		Data:       make(map[string][]message.Loc),
		AudioFrame: make(map[string][]message.Loc),
		VideoFrame: make(map[string][]message.Loc),
	}
}

func (r *RoutingTable) resolve(kind message.Type, name string) []message.Loc {
	var table map[string][]message.Loc
	switch kind {
	case message.TypeCmd:
		table = r.Cmd
	case message.TypeData:
		table = r.Data
	case message.TypeAudioFrame:
		table = r.AudioFrame
	case message.TypeVideoFrame:
		table = r.VideoFrame
	default:
		return nil
	}
	if dests, ok := table[name]; ok {
		return dests
	}
	return table["*"]
}

// Extension is a user-supplied unit with callbacks; a node in the graph.
// Owned exclusively by one ExtensionThread after creation.
type Extension struct {
	Closeable closeable.Closeable

	Name     string
	Loc      message.Loc
	AddonName string

	state atomic.Int32

	Callbacks Callbacks
	Schemas   SchemaSet

	PathTable *path.Table
	Routing   *RoutingTable

	InPathTimeout  time.Duration
	OutPathTimeout time.Duration
	CheckInterval  time.Duration

	// AfterTransition, when set, is invoked once a lifecycle transition
	// driven by env.On*Done completes successfully. The owning thread uses
	// this to cascade on_init -> on_start during extension creation without
	// needing its own copy of the transition logic.
	AfterTransition func(to State)
}

// SchemaSet holds the four directional schemas spec.md's schema-validate
// step checks against.
type SchemaSet struct {
	CmdIn         map[string]*value.Schema
	CmdOut        map[string]*value.Schema
	DataIn        *value.Schema
	DataOut       *value.Schema
	AudioFrameIn  *value.Schema
	AudioFrameOut *value.Schema
	VideoFrameIn  *value.Schema
	VideoFrameOut *value.Schema
}

// New constructs an Extension in StateNew. checkInterval defaults to 10s
// per the ExtensionThread's timer default when zero.
func New(name string, loc message.Loc, callbacks Callbacks, checkInterval time.Duration) *Extension {
	callbacks.fillDefaults()
	if checkInterval == 0 {
		checkInterval = 10 * time.Second
	}
	e := &Extension{
		Name:          name,
		Loc:           loc,
		Callbacks:     callbacks,
		Routing:       NewRoutingTable(),
		CheckInterval: checkInterval,
	}
	e.state.Store(int32(StateNew))
	return e
}

func (e *Extension) State() State { return State(e.state.Load()) }

// InitPathTable attaches a path table to the extension and starts its
// sweep loop. Must be called before the extension starts receiving
// messages; the owning ExtensionThread does this right after creating the
// extension instance.
func (e *Extension) InitPathTable(tbl *path.Table) {
	e.PathTable = tbl
	e.PathTable.Start()
}

// transition enforces the lifecycle's strict forward ordering.
func (e *Extension) transition(from, to State) error {
	if !e.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("extension %q: cannot transition %s -> %s from current state %s", e.Name, from, to, e.State())
	}
	return nil
}

// Init runs the extension's on_init callback, bound to env. The thread
// calling this owns e until it reports InitDone.
func (e *Extension) Init(env *Env) error {
	if err := e.transition(StateNew, StateInit); err != nil {
		return err
	}
	env.OnInitDone = func() {
		if err := e.transition(StateInit, StateInitDone); err == nil && e.AfterTransition != nil {
			e.AfterTransition(StateInitDone)
		}
	}
	e.Callbacks.OnInit(env)
	return nil
}

func (e *Extension) Start(env *Env) error {
	if err := e.transition(StateInitDone, StateStart); err != nil {
		return err
	}
	env.OnStartDone = func() {
		if err := e.transition(StateStart, StateStartDone); err == nil && e.AfterTransition != nil {
			e.AfterTransition(StateStartDone)
		}
	}
	e.Callbacks.OnStart(env)
	return nil
}

func (e *Extension) Stop(env *Env) error {
	if err := e.transition(StateStartDone, StateStop); err != nil {
		return err
	}
	env.OnStopDone = func() {
		if err := e.transition(StateStop, StateStopDone); err == nil && e.AfterTransition != nil {
			e.AfterTransition(StateStopDone)
		}
	}
	e.Callbacks.OnStop(env)
	return nil
}

func (e *Extension) Deinit(env *Env) error {
	if err := e.transition(StateStopDone, StateDeinit); err != nil {
		return err
	}
	env.OnDeinitDone = func() {
		_ = e.transition(StateDeinit, StateDeinited)
		e.Closeable.Close()
		if e.AfterTransition != nil {
			e.AfterTransition(StateDeinited)
		}
	}
	e.Callbacks.OnDeinit(env)
	return nil
}

// ReadyForDispatch reports whether the extension has completed start and
// may receive routed messages, per the ExtensionThread's rule that it
// "refuses to dispatch messages until StartDone".
func (e *Extension) ReadyForDispatch() bool {
	return e.State() == StateStartDone
}

// AcceptingNewMessages reports whether the extension may still accept new
// inbound traffic — false once it has entered Stop, per the ExtensionThread
// rule that it "refuses to accept new incoming messages after Stop".
func (e *Extension) AcceptingNewMessages() bool {
	switch e.State() {
	case StateStop, StateStopDone, StateDeinit, StateDeinited:
		return false
	default:
		return true
	}
}
