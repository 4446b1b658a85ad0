// Package message implements the typed message envelope that flows between
// extensions: Cmd, CmdResult, Data, AudioFrame and VideoFrame, all carrying
// a common src/dests/property-tree envelope.
package message

import "fmt"

// Loc identifies a node within the runtime's address space. Any suffix may
// be empty, meaning "the containing scope" — an empty AppURI means the
// current app, an empty GraphID means the current graph, and so on.
type Loc struct {
	AppURI             string `json:"app_uri,omitempty"`
	GraphID            string `json:"graph_id,omitempty"`
	ExtensionGroupName string `json:"extension_group_name,omitempty"`
	ExtensionName      string `json:"extension_name,omitempty"`
}

func (l Loc) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", l.AppURI, l.GraphID, l.ExtensionGroupName, l.ExtensionName)
}

// IsEmpty reports whether every component of the location is empty.
func (l Loc) IsEmpty() bool {
	return l.AppURI == "" && l.GraphID == "" && l.ExtensionGroupName == "" && l.ExtensionName == ""
}

// ResolveAgainst fills any empty component of l with the corresponding
// component of scope, implementing "empty means containing scope".
func (l Loc) ResolveAgainst(scope Loc) Loc {
	out := l
	if out.AppURI == "" {
		out.AppURI = scope.AppURI
	}
	if out.GraphID == "" {
		out.GraphID = scope.GraphID
	}
	if out.ExtensionGroupName == "" {
		out.ExtensionGroupName = scope.ExtensionGroupName
	}
	if out.ExtensionName == "" {
		out.ExtensionName = scope.ExtensionName
	}
	return out
}
