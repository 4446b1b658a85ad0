// Package path implements Path, PathGroup and PathTable: the bookkeeping
// that correlates a cmd with its eventual cmd_result, with fan-out grouping
// and timeout sweeping.
package path

import (
	"time"

	"github.com/nmxmxh/tenon/kernel/message"
)

// Direction distinguishes a cmd that arrived (IN, we owe a result) from a
// cmd we sent (OUT, we're owed a result).
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// ResultHandler is invoked when a Path's cmd_result arrives or the path
// times out. data is whatever the path's creator attached at creation.
type ResultHandler func(result *message.Message, data any)

// Path is one in-flight command's bookkeeping record.
type Path struct {
	CmdID           string
	CmdName         string
	Direction       Direction
	OriginalSrc     message.Loc
	OriginalSeqID   string
	ExpectedGroupID string

	ResultHandler     ResultHandler
	ResultHandlerData any

	CreatedAt time.Time
	ExpireAt  time.Time
}

// Expired reports whether now is past the path's expire_at.
func (p *Path) Expired(now time.Time) bool {
	return !p.ExpireAt.IsZero() && now.After(p.ExpireAt)
}
