package extension

import "github.com/nmxmxh/tenon/kernel/addon"

// DefaultGroupAddonName is the ExtensionGroup addon used for any group a
// graph description references without naming one explicitly — a bare
// container with no group-level callbacks of its own.
const DefaultGroupAddonName = "default_extension_group"

// defaultGroupAddon produces plain Groups with no specs; the caller (the
// Engine, during start_graph) fills in Specs via SetSpecs once the graph
// description has been parsed.
type defaultGroupAddon struct{}

// NewDefaultGroupAddon returns the addon.Addon backing DefaultGroupAddonName.
func NewDefaultGroupAddon() addon.Addon { return &defaultGroupAddon{} }

func (defaultGroupAddon) OnInit(*addon.Host) error   { return nil }
func (defaultGroupAddon) OnDeinit(*addon.Host) error { return nil }
func (defaultGroupAddon) OnDestroyAddon()            {}

func (defaultGroupAddon) OnCreateInstance(host *addon.Host, instanceName string, cb func(instance any, err error)) {
	cb(NewGroup(instanceName, nil), nil)
}

func (defaultGroupAddon) OnDestroyInstance(host *addon.Host, instance any, cb func(err error)) {
	cb(nil)
}
