package path

import (
	"sync"

	"github.com/nmxmxh/tenon/kernel/message"
)

// GroupPolicy decides which member result(s) of a fanned-out cmd are
// propagated back to the original sender.
type GroupPolicy int

const (
	// PolicyOneFailReturnAllOKReturnLast forwards the first non-OK result,
	// or — if every member succeeds — the last OK result to arrive.
	PolicyOneFailReturnAllOKReturnLast GroupPolicy = iota
	// PolicyOneFailReturnAllOKReturnFirst forwards the first non-OK result,
	// or the first OK result to arrive.
	PolicyOneFailReturnAllOKReturnFirst
)

func (p GroupPolicy) String() string {
	switch p {
	case PolicyOneFailReturnAllOKReturnLast:
		return "one_fail_return_and_all_ok_return_last"
	case PolicyOneFailReturnAllOKReturnFirst:
		return "one_fail_return_and_all_ok_return_first"
	default:
		return "unknown"
	}
}

// PathGroup is the set of OUT paths created when a single outgoing cmd was
// fanned out to multiple destinations.
type PathGroup struct {
	ID     string
	Policy GroupPolicy

	mu        sync.Mutex
	pending   map[string]struct{}
	total     int
	resolved  bool
	firstSeen *message.Message
	lastOK    *message.Message
}

// NewPathGroup creates a group over memberCmdIDs, the OUT-path cmd_ids this
// fan-out produced.
func NewPathGroup(id string, policy GroupPolicy, memberCmdIDs []string) *PathGroup {
	pending := make(map[string]struct{}, len(memberCmdIDs))
	for _, id := range memberCmdIDs {
		pending[id] = struct{}{}
	}
	return &PathGroup{ID: id, Policy: policy, pending: pending, total: len(memberCmdIDs)}
}

// HandleResult records result as arriving for memberCmdID. It returns the
// message that should be forwarded to the original sender (nil if nothing
// should be forwarded yet) and whether the group is now fully resolved and
// may be discarded.
func (g *PathGroup) HandleResult(memberCmdID string, result *message.Message) (forward *message.Message, groupDone bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resolved {
		return nil, true
	}
	delete(g.pending, memberCmdID)

	isOK := result.Status == message.StatusOK
	if g.firstSeen == nil {
		g.firstSeen = result
	}
	if isOK {
		g.lastOK = result
	}

	if !isOK {
		g.resolved = true
		return result, true
	}

	allDone := len(g.pending) == 0
	switch g.Policy {
	case PolicyOneFailReturnAllOKReturnFirst:
		if !g.resolved {
			g.resolved = true
			return g.firstSeen, allDone
		}
	case PolicyOneFailReturnAllOKReturnLast:
		if allDone {
			g.resolved = true
			return g.lastOK, true
		}
	}
	if allDone {
		g.resolved = true
	}
	return nil, allDone
}

// Done reports whether every member has reported in (or the group resolved
// early due to a failure).
func (g *PathGroup) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved || len(g.pending) == 0
}
