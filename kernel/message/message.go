package message

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nmxmxh/tenon/kernel/value"
)

// Type distinguishes the message variants.
type Type int

const (
	TypeCmd Type = iota
	TypeCmdResult
	TypeData
	TypeAudioFrame
	TypeVideoFrame
)

func (t Type) String() string {
	switch t {
	case TypeCmd:
		return "cmd"
	case TypeCmdResult:
		return "cmd_result"
	case TypeData:
		return "data"
	case TypeAudioFrame:
		return "audio_frame"
	case TypeVideoFrame:
		return "video_frame"
	default:
		return "unknown"
	}
}

// StatusCode is the outcome carried by a CmdResult.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusError
	StatusTimeout
	StatusStopped
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "Error"
	case StatusTimeout:
		return "Timeout"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// LockedResource is a non-owning handle into a caller-owned buffer that
// must outlive the message carrying it. The owner reclaims the underlying
// buffer only after Release has been called for every message that locked
// it (tracked by the owner, not here).
type LockedResource struct {
	Handle  string
	Release func()
}

// Message is the envelope shared by every message kind: a source location,
// zero-or-more destinations, a property tree payload, and any locked
// resources the message is keeping alive.
type Message struct {
	Type  Type
	Src   Loc
	Dests []Loc
	Props *value.PropertyTree

	LockedResources []LockedResource

	// Cmd fields.
	CmdName string
	CmdID   string
	SeqID   string

	// CmdResult fields.
	Status            StatusCode
	OriginalCmdName   string
	IsFinal           bool
	CorrelatesTo      string

	// Data/AudioFrame/VideoFrame share Name; AudioFrame/VideoFrame carry a
	// few representative media attributes beyond the common envelope.
	Name string

	SampleRate int
	Channels   int
	BytesPerSample int

	Width       int
	Height      int
	PixelFormat string
}

// NewCmdID returns a freshly generated command correlation id.
func NewCmdID() string {
	return uuid.NewString()
}

// NewCmd constructs a Cmd message with a fresh cmd_id.
func NewCmd(name string, props *value.PropertyTree) *Message {
	if props == nil {
		props = value.NewPropertyTree()
	}
	return &Message{
		Type:    TypeCmd,
		CmdName: name,
		CmdID:   NewCmdID(),
		Props:   props,
	}
}

// NewCmdResult constructs a CmdResult correlated back to cmdID. Per the
// envelope invariant, its dest is never set here — the PathTable populates
// it when the result is routed back along the path.
func NewCmdResult(status StatusCode, originalCmdName, cmdID string, isFinal bool, props *value.PropertyTree) *Message {
	if props == nil {
		props = value.NewPropertyTree()
	}
	return &Message{
		Type:            TypeCmdResult,
		Status:          status,
		OriginalCmdName: originalCmdName,
		CorrelatesTo:    cmdID,
		IsFinal:         isFinal,
		Props:           props,
	}
}

// NewErrorCmdResult synthesises an error result carrying a "detail" property.
func NewErrorCmdResult(originalCmdName, cmdID, detail string) *Message {
	props := value.NewPropertyTree()
	_ = props.Set("detail", value.NewString(detail))
	return NewCmdResult(StatusError, originalCmdName, cmdID, true, props)
}

// NewTimeoutCmdResult synthesises a timeout result for an expired path.
func NewTimeoutCmdResult(originalCmdName, cmdID string) *Message {
	return NewCmdResult(StatusTimeout, originalCmdName, cmdID, true, nil)
}

// NewData constructs a Data message.
func NewData(name string, props *value.PropertyTree) *Message {
	if props == nil {
		props = value.NewPropertyTree()
	}
	return &Message{Type: TypeData, Name: name, Props: props}
}

// Clone deep-copies the message for fan-out to destinations 2..N. Per the
// envelope invariant, cloning a Cmd regenerates its cmd_id; every other
// kind keeps its identity. Dests are not copied — the caller sets the
// single destination this clone is bound for. LockedResources are shared
// by reference: releasing one clone does not release the others, only the
// caller-tracked refcount on the underlying buffer does.
func (m *Message) Clone() *Message {
	c := *m
	c.Dests = nil
	if m.Props != nil {
		c.Props = m.Props.Clone()
	}
	if m.Type == TypeCmd {
		c.CmdID = NewCmdID()
	}
	c.LockedResources = append([]LockedResource(nil), m.LockedResources...)
	return &c
}

// Explode returns len(m.Dests) messages, one per destination: the first
// reuses m itself (with its Dests narrowed to that one destination), the
// rest are clones. Per the envelope invariant this is how a message with
// dests.len() > 1 is dispatched.
func (m *Message) Explode() ([]*Message, error) {
	if len(m.Dests) == 0 {
		return []*Message{m}, nil
	}
	out := make([]*Message, len(m.Dests))
	for i, d := range m.Dests {
		if i == 0 {
			m.Dests = []Loc{d}
			out[0] = m
			continue
		}
		clone := m.Clone()
		clone.Dests = []Loc{d}
		out[i] = clone
	}
	return out, nil
}

// Validate checks the envelope-level invariants that hold regardless of
// message kind.
func (m *Message) Validate() error {
	if m.Type == TypeCmdResult && len(m.Dests) > 1 {
		return fmt.Errorf("message: cmd_result dests must have length 0 or 1, got %d", len(m.Dests))
	}
	if (m.Type == TypeCmd || m.Type == TypeCmdResult) && m.Props == nil {
		return fmt.Errorf("message: %s missing property tree", m.Type)
	}
	return nil
}
