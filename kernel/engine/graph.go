package engine

import (
	"encoding/json"
	"fmt"

	"github.com/nmxmxh/tenon/kernel/value"
)

// DestRef names one routing destination: an extension within a group,
// optionally in another app.
type DestRef struct {
	App            string `json:"app,omitempty"`
	ExtensionGroup string `json:"extension_group"`
	Extension      string `json:"extension"`
}

// MsgConn routes one message name (or "*" for every name) to zero or more
// destinations.
type MsgConn struct {
	Name string    `json:"name"`
	Dest []DestRef `json:"dest"`
}

// Connection lists, for one source extension, its outbound routing per
// message kind.
type Connection struct {
	App            string    `json:"app,omitempty"`
	ExtensionGroup string    `json:"extension_group"`
	Extension      string    `json:"extension"`
	Cmd            []MsgConn `json:"cmd,omitempty"`
	Data           []MsgConn `json:"data,omitempty"`
	AudioFrame     []MsgConn `json:"audio_frame,omitempty"`
	VideoFrame     []MsgConn `json:"video_frame,omitempty"`
}

// Node declares one extension or extension_group to instantiate.
type Node struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Addon          string `json:"addon"`
	ExtensionGroup string `json:"extension_group,omitempty"`
	App            string `json:"app,omitempty"`
	Property       any    `json:"property,omitempty"`
}

const (
	NodeTypeExtension      = "extension"
	NodeTypeExtensionGroup = "extension_group"
)

// Description is the graph-description shape a start_graph cmd's properties
// decode into: nodes plus the connections wiring their outbound routing.
type Description struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// ParseDescription decodes a graph description out of a start_graph cmd's
// property tree, which carries it as a nested object under "nodes" and
// "connections" per the graph-description wire shape.
func ParseDescription(root *value.Value) (*Description, error) {
	raw, err := value.ToJSON(root)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding graph description: %w", err)
	}
	var desc Description
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("engine: decoding graph description: %w", err)
	}
	if len(desc.Nodes) == 0 {
		return nil, fmt.Errorf("engine: graph description has no nodes")
	}
	return &desc, nil
}

// extensionGroupAddon returns the addon name the description assigns to
// groupName, or the default group addon if no extension_group node names it
// explicitly.
func (d *Description) extensionGroupAddon(groupName, defaultAddon string) string {
	for _, n := range d.Nodes {
		if n.Type == NodeTypeExtensionGroup && n.Name == groupName {
			return n.Addon
		}
	}
	return defaultAddon
}

// groupNames returns the distinct extension_group names referenced by
// extension nodes, in first-seen order.
func (d *Description) groupNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range d.Nodes {
		if n.Type != NodeTypeExtension {
			continue
		}
		if !seen[n.ExtensionGroup] {
			seen[n.ExtensionGroup] = true
			names = append(names, n.ExtensionGroup)
		}
	}
	return names
}

// extensionsIn returns every extension node belonging to groupName, in
// declaration order.
func (d *Description) extensionsIn(groupName string) []Node {
	var out []Node
	for _, n := range d.Nodes {
		if n.Type == NodeTypeExtension && n.ExtensionGroup == groupName {
			out = append(out, n)
		}
	}
	return out
}

// connectionFor returns the routing Connection declared for the given
// (group, extension) pair, or nil if none was declared.
func (d *Description) connectionFor(groupName, extName string) *Connection {
	for i := range d.Connections {
		c := &d.Connections[i]
		if c.ExtensionGroup == groupName && c.Extension == extName {
			return c
		}
	}
	return nil
}
