package extension

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// InstanceSpec names one extension to create within a group: an addon name
// plus the instance name it should be given.
type InstanceSpec struct {
	AddonName    string
	InstanceName string
}

// Group is the container of extensions running on one ExtensionThread. Its
// state machine mirrors Extension's.
type Group struct {
	Name string

	state atomic.Int32

	mu       sync.RWMutex
	specs    []InstanceSpec
	living   map[string]*Extension
	order    []string
}

func NewGroup(name string, specs []InstanceSpec) *Group {
	g := &Group{
		Name:   name,
		specs:  specs,
		living: make(map[string]*Extension),
	}
	g.state.Store(int32(StateNew))
	return g
}

func (g *Group) State() State { return State(g.state.Load()) }

func (g *Group) transition(from, to State) error {
	if !g.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("extension_group %q: cannot transition %s -> %s from current state %s", g.Name, from, to, g.State())
	}
	return nil
}

// Specs returns the configured {addon_name, instance_name} pairs to create,
// in declaration order.
func (g *Group) Specs() []InstanceSpec {
	return append([]InstanceSpec(nil), g.specs...)
}

// SetSpecs installs the {addon_name, instance_name} pairs this group should
// create. Used by the Engine right after the ExtensionGroup addon produces a
// bare Group instance, since the addon itself has no access to the graph
// description's node list.
func (g *Group) SetSpecs(specs []InstanceSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.specs = specs
}

// AddExtension registers a newly created extension as living in this
// group, preserving creation order for the on_init/on_start cascade.
func (g *Group) AddExtension(e *Extension) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.living[e.Name] = e
	g.order = append(g.order, e.Name)
}

// Extension looks up a living extension by name.
func (g *Group) Extension(name string) (*Extension, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.living[name]
	return e, ok
}

// Extensions returns every living extension in registration order.
func (g *Group) Extensions() []*Extension {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Extension, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.living[name])
	}
	return out
}

// AllReadyForDispatch reports whether every living extension has reached
// StartDone.
func (g *Group) AllReadyForDispatch() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, name := range g.order {
		if !g.living[name].ReadyForDispatch() {
			return false
		}
	}
	return true
}

func (g *Group) MarkCreatingExtensions() error {
	return g.transition(StateNew, StateInit)
}

func (g *Group) MarkExtensionsCreated() error {
	return g.transition(StateInit, StateInitDone)
}

func (g *Group) MarkStarting() error {
	return g.transition(StateInitDone, StateStart)
}

func (g *Group) MarkStarted() error {
	return g.transition(StateStart, StateStartDone)
}

func (g *Group) MarkStopping() error {
	return g.transition(StateStartDone, StateStop)
}

func (g *Group) MarkStopped() error {
	return g.transition(StateStop, StateStopDone)
}

func (g *Group) MarkDeiniting() error {
	return g.transition(StateStopDone, StateDeinit)
}

func (g *Group) MarkDeinited() error {
	return g.transition(StateDeinit, StateDeinited)
}
