// Package thread implements ExtensionThread, the single-threaded dispatch
// core that owns one ExtensionGroup and every extension within it.
package thread

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/tenon/kernel/extension"
	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/path"
)

// State is one of the five states an ExtensionThread's runloop moves
// through.
type State int32

const (
	StateInit State = iota
	StateCreatingExtensions
	StateNormal
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateCreatingExtensions:
		return "CreatingExtensions"
	case StateNormal:
		return "Normal"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Task is a unit of work posted onto the thread's single runloop —
// post_task_tail's payload. Tasks run to completion, in FIFO arrival order,
// before the next is dispatched.
type Task func()

// Config holds an ExtensionThread's tunables. It carries json tags, but
// app.LoadPropertyFile does not read it from property.json.
type Config struct {
	CheckInterval time.Duration `json:"check_interval"`
	QueueSize     int           `json:"queue_size"`
	RateLimit     struct {
		MessagesPerSecond float64 `json:"messages_per_second"`
		BurstSize         int     `json:"burst_size"`
	} `json:"rate_limit"`
}

// DefaultConfig returns production defaults for an ExtensionThread.
func DefaultConfig() Config {
	cfg := Config{
		CheckInterval: 10 * time.Second,
		QueueSize:     1024,
	}
	cfg.RateLimit.MessagesPerSecond = 2000
	cfg.RateLimit.BurstSize = 4000
	return cfg
}

// Thread is the single-threaded event loop owning one ExtensionGroup's
// extensions. It is the only component that touches extension state, so no
// extension-state locking is required anywhere else in the runtime.
type Thread struct {
	Loc   message.Loc
	Group *extension.Group

	PathTable *path.Table

	state atomic.Int32

	tasks chan Task

	limiter      *limiter.TokenBucket
	limiterStore store.Store

	// routeOut is invoked for every outbound message whose destination is
	// not an extension living in this thread's own group — the Engine
	// supplies this to perform cross-thread/cross-engine routing.
	routeOut func(msg *message.Message) error

	logger   *slog.Logger
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Thread for loc, owning group, with routeOut handling
// any destination outside the group.
func New(loc message.Loc, group *extension.Group, cfg Config, logger *slog.Logger, routeOut func(msg *message.Message) error) (*Thread, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "extension_thread", "extension_group", group.Name)

	limiterStore := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(cfg.RateLimit.MessagesPerSecond),
		Duration: time.Second,
		Burst:    int64(cfg.RateLimit.BurstSize),
	}, limiterStore)
	if err != nil {
		return nil, fmt.Errorf("thread: constructing rate limiter: %w", err)
	}

	t := &Thread{
		Loc:          loc,
		Group:        group,
		tasks:        make(chan Task, cfg.QueueSize),
		limiter:      tb,
		limiterStore: limiterStore,
		routeOut:     routeOut,
		logger:       logger,
		shutdown:     make(chan struct{}),
	}
	t.state.Store(int32(StateInit))
	t.PathTable = path.NewTable(path.TableConfig{
		CheckInterval:          cfg.CheckInterval,
		BloomExpectedElements:  10000,
		BloomFalsePositiveRate: 0.01,
	}, logger, t.onInPathTimeout)
	return t, nil
}

func (t *Thread) State() State { return State(t.state.Load()) }

// PostTask enqueues fn to run on this thread's runloop, FIFO across
// callers.
func (t *Thread) PostTask(fn Task) error {
	select {
	case t.tasks <- fn:
		return nil
	case <-t.shutdown:
		return fmt.Errorf("thread: cannot post task, thread is shutting down")
	}
}

// Run starts the runloop goroutine. It drains tasks until Stop is called.
func (t *Thread) Run() {
	t.wg.Add(1)
	go t.loop()
	t.PathTable.Start()
}

func (t *Thread) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.shutdown:
			return
		case task := <-t.tasks:
			task()
		}
	}
}

// Stop halts the runloop and the path table's sweep loop, and waits for
// both to exit.
func (t *Thread) Stop() {
	t.state.Store(int32(StateClosed))
	close(t.shutdown)
	t.wg.Wait()
	t.PathTable.Stop()
}

// Dispatch posts msg for inbound handling on this thread's runloop.
func (t *Thread) Dispatch(msg *message.Message) {
	_ = t.PostTask(func() { t.handleInbound(msg) })
}

func (t *Thread) onInPathTimeout(p *path.Path) {
	timeout := message.NewTimeoutCmdResult(p.CmdName, p.CmdID)
	timeout.Dests = []message.Loc{p.OriginalSrc}
	_ = t.routeOut(timeout)
}

// handleInbound implements the five-step inbound message handling sequence.
func (t *Thread) handleInbound(msg *message.Message) {
	if t.State() == StateClosing || t.State() == StateClosed {
		if msg.Type != message.TypeCmdResult {
			return
		}
		// cmd_results are still routed so OUT-paths don't leak, but their
		// handlers have nothing useful to do once the thread is tearing
		// down — route-and-drop.
		t.resolveOutPath(msg)
		return
	}

	if !t.limiter.Allow(msg.Src.String()) {
		t.logger.Debug("dropping message, rate limit exceeded", "source", msg.Src.String())
		return
	}

	if len(msg.Dests) == 0 {
		return
	}
	dest := msg.Dests[0]
	ext, ok := t.Group.Extension(dest.ExtensionName)
	if !ok {
		t.logger.Debug("dropping message for unknown extension", "extension", dest.ExtensionName)
		return
	}

	switch msg.Type {
	case message.TypeCmdResult:
		if err := t.validateSchemaIn(ext, msg); err != nil {
			t.logger.Info("cmd_result failing out-schema, forcing error status", "cmd_id", msg.CorrelatesTo, "error", err)
			msg.Status = message.StatusError
		}
		t.resolveOutPath(msg)
		return
	case message.TypeCmd:
		if err := t.validateSchemaIn(ext, msg); err != nil {
			errResult := message.NewErrorCmdResult(msg.CmdName, msg.CmdID, err.Error())
			errResult.Dests = []message.Loc{msg.Src}
			_ = t.routeOut(errResult)
			return
		}
		t.allocateInPath(ext, msg)
	case message.TypeData:
		if err := t.validateSchemaIn(ext, msg); err != nil {
			t.logger.Info("dropping data message failing schema", "error", err)
			return
		}
	case message.TypeAudioFrame, message.TypeVideoFrame:
		if err := t.validateSchemaIn(ext, msg); err != nil {
			t.logger.Info("dropping frame message failing schema", "error", err)
			return
		}
	}

	if !ext.ReadyForDispatch() {
		t.logger.Debug("dropping message for extension not yet StartDone", "extension", ext.Name)
		return
	}
	if !ext.AcceptingNewMessages() {
		return
	}

	env := t.envFor(ext)
	switch msg.Type {
	case message.TypeCmd:
		ext.Callbacks.OnCmd(env, msg)
	case message.TypeData:
		if ext.Callbacks.OnData != nil {
			ext.Callbacks.OnData(env, msg)
		}
	case message.TypeAudioFrame:
		if ext.Callbacks.OnAudioFrame != nil {
			ext.Callbacks.OnAudioFrame(env, msg)
		}
	case message.TypeVideoFrame:
		if ext.Callbacks.OnVideoFrame != nil {
			ext.Callbacks.OnVideoFrame(env, msg)
		}
	}
}

func (t *Thread) validateSchemaIn(ext *extension.Extension, msg *message.Message) error {
	switch msg.Type {
	case message.TypeCmd:
		if s, ok := ext.Schemas.CmdIn[msg.CmdName]; ok {
			return s.Validate(msg.Props.Root())
		}
	case message.TypeCmdResult:
		if s, ok := ext.Schemas.CmdOut[msg.OriginalCmdName]; ok {
			return s.Validate(msg.Props.Root())
		}
	case message.TypeData:
		if ext.Schemas.DataIn != nil {
			return ext.Schemas.DataIn.Validate(msg.Props.Root())
		}
	case message.TypeAudioFrame:
		if ext.Schemas.AudioFrameIn != nil {
			return ext.Schemas.AudioFrameIn.Validate(msg.Props.Root())
		}
	case message.TypeVideoFrame:
		if ext.Schemas.VideoFrameIn != nil {
			return ext.Schemas.VideoFrameIn.Validate(msg.Props.Root())
		}
	}
	return nil
}

func (t *Thread) allocateInPath(ext *extension.Extension, cmd *message.Message) {
	now := time.Now()
	p := &path.Path{
		CmdID:         cmd.CmdID,
		CmdName:       cmd.CmdName,
		OriginalSrc:   cmd.Src,
		OriginalSeqID: cmd.SeqID,
		CreatedAt:     now,
	}
	if ext.InPathTimeout > 0 {
		p.ExpireAt = now.Add(ext.InPathTimeout)
	}
	if err := ext.PathTable.AddIn(p); err != nil {
		t.logger.Warn("duplicate in-path cmd_id", "cmd_id", cmd.CmdID, "error", err)
	}
}

// resolveOutPath delivers an inbound cmd_result to the OUT-path it
// correlates to, consulting the path's group if it was part of a fan-out.
func (t *Thread) resolveOutPath(result *message.Message) {
	// The result's destination extension owns the OUT-path table.
	if len(result.Dests) == 0 {
		return
	}
	ext, ok := t.Group.Extension(result.Dests[0].ExtensionName)
	if !ok {
		return
	}
	p, ok := ext.PathTable.LookupOut(result.CorrelatesTo)
	if !ok {
		t.logger.Debug("dropping stray cmd_result", "cmd_id", result.CorrelatesTo)
		return
	}

	if p.ExpectedGroupID != "" {
		group, ok := ext.PathTable.Group(p.ExpectedGroupID)
		if !ok {
			// The group already resolved (and was discarded) from an
			// earlier member's result; this is a late straggler, already
			// accounted for in the forwarded outcome.
			ext.PathTable.RemoveOut(p.CmdID)
			return
		}
		forward, _ := group.HandleResult(p.CmdID, result)
		// This member has now reported in exactly once; its own OUT-path is
		// retired here regardless of whether the group as a whole is done.
		ext.PathTable.RemoveOut(p.CmdID)
		if group.Done() {
			ext.PathTable.RemoveGroup(p.ExpectedGroupID)
		}
		if forward == nil {
			return
		}
		result = forward
	} else if !result.IsFinal {
		// streaming result, not yet final: deliver without removing the path.
		if p.ResultHandler != nil {
			p.ResultHandler(result, p.ResultHandlerData)
		}
		return
	} else {
		ext.PathTable.RemoveOut(p.CmdID)
	}

	if p.ResultHandler != nil {
		p.ResultHandler(result, p.ResultHandlerData)
	}
}

// envFor builds the Env handle passed to ext's callbacks, wiring its
// send/return methods to this thread's outbound handling.
func (t *Thread) envFor(ext *extension.Extension) *extension.Env {
	env := &extension.Env{}
	env.SendCmd = func(cmd *message.Message, handler path.ResultHandler, handlerData any) error {
		return t.sendOutbound(ext, cmd, handler, handlerData)
	}
	env.SendData = func(data *message.Message) error { return t.sendOutbound(ext, data, nil, nil) }
	env.SendAudioFrame = func(frame *message.Message) error { return t.sendOutbound(ext, frame, nil, nil) }
	env.SendVideoFrame = func(frame *message.Message) error { return t.sendOutbound(ext, frame, nil, nil) }
	env.ReturnResult = func(result *message.Message) error { return t.returnResult(ext, result) }
	return env
}

// sendOutbound implements the outbound handling sequence for cmd/data/
// audio_frame/video_frame messages emitted from an extension callback.
func (t *Thread) sendOutbound(src *extension.Extension, msg *message.Message, handler path.ResultHandler, handlerData any) error {
	if !src.AcceptingNewMessages() {
		return fmt.Errorf("thread: extension %q is closing, send rejected", src.Name)
	}
	msg.Src = src.Loc

	if err := t.validateSchemaOut(src, msg); err != nil {
		return fmt.Errorf("thread: schema-violation on out: %w", err)
	}

	if len(msg.Dests) == 0 {
		msg.Dests = src.Routing.resolve(msg.Type, msgRoutingName(msg))
	}

	copies, err := msg.Explode()
	if err != nil {
		return err
	}

	var groupMemberIDs []string
	if msg.Type == message.TypeCmd && len(copies) > 1 {
		groupMemberIDs = make([]string, len(copies))
	}

	for i, copy := range copies {
		if msg.Type == message.TypeCmd {
			now := time.Now()
			p := &path.Path{
				CmdID:     copy.CmdID,
				CmdName:   copy.CmdName,
				CreatedAt: now,
			}
			if src.OutPathTimeout > 0 {
				p.ExpireAt = now.Add(src.OutPathTimeout)
			}
			p.ResultHandler = handler
			p.ResultHandlerData = handlerData
			if groupMemberIDs != nil {
				groupMemberIDs[i] = copy.CmdID
			}
			if err := src.PathTable.AddOut(p); err != nil {
				return err
			}
		}
		t.enqueueForDispatch(copy)
	}

	if groupMemberIDs != nil {
		groupID := groupMemberIDs[0]
		group := src.PathTable.NewGroup(groupID, path.PolicyOneFailReturnAllOKReturnLast, groupMemberIDs)
		_ = group
		for _, id := range groupMemberIDs {
			if p, ok := src.PathTable.LookupOut(id); ok {
				p.ExpectedGroupID = groupID
			}
		}
	}
	return nil
}

func msgRoutingName(msg *message.Message) string {
	switch msg.Type {
	case message.TypeCmd:
		return msg.CmdName
	default:
		return msg.Name
	}
}

// returnResult implements the cmd_result outbound path: clear any
// user-set dests and resolve the true destination via the IN-path table.
func (t *Thread) returnResult(src *extension.Extension, result *message.Message) error {
	result.Dests = nil
	result.Src = src.Loc

	p, ok := src.PathTable.LookupIn(result.CorrelatesTo)
	if !ok {
		return fmt.Errorf("thread: no in-path for cmd_id %q", result.CorrelatesTo)
	}
	result.Dests = []message.Loc{p.OriginalSrc}
	result.SeqID = p.OriginalSeqID

	if err := t.validateSchemaOut(src, result); err != nil {
		return fmt.Errorf("thread: schema-violation on out: %w", err)
	}

	if result.IsFinal {
		src.PathTable.RemoveIn(result.CorrelatesTo)
	}
	t.enqueueForDispatch(result)
	return nil
}

func (t *Thread) validateSchemaOut(src *extension.Extension, msg *message.Message) error {
	switch msg.Type {
	case message.TypeCmd:
		if s, ok := src.Schemas.CmdOut[msg.CmdName]; ok {
			return s.Validate(msg.Props.Root())
		}
	case message.TypeCmdResult:
		if s, ok := src.Schemas.CmdOut[msg.OriginalCmdName]; ok {
			return s.Validate(msg.Props.Root())
		}
	case message.TypeData:
		if src.Schemas.DataOut != nil {
			return src.Schemas.DataOut.Validate(msg.Props.Root())
		}
	case message.TypeAudioFrame:
		if src.Schemas.AudioFrameOut != nil {
			return src.Schemas.AudioFrameOut.Validate(msg.Props.Root())
		}
	case message.TypeVideoFrame:
		if src.Schemas.VideoFrameOut != nil {
			return src.Schemas.VideoFrameOut.Validate(msg.Props.Root())
		}
	}
	return nil
}

// enqueueForDispatch delivers msg to same-group destinations directly (the
// same-thread fast path); anything else goes through routeOut, which the
// owning Engine wires up to cross-thread/cross-engine routing.
func (t *Thread) enqueueForDispatch(msg *message.Message) {
	if len(msg.Dests) == 1 {
		dest := msg.Dests[0]
		if dest.ExtensionGroupName == t.Group.Name || dest.ExtensionGroupName == "" {
			if _, ok := t.Group.Extension(dest.ExtensionName); ok {
				t.Dispatch(msg)
				return
			}
		}
	}
	_ = t.routeOut(msg)
}
