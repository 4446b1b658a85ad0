package msgpcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/value"
)

func TestEncodeDecodeCmdRoundTrip(t *testing.T) {
	props := value.NewPropertyTree()
	require.NoError(t, props.Set("text", value.NewString("hello")))
	require.NoError(t, props.Set("count", value.NewInt64(42)))

	cmd := message.NewCmd("greet", props)
	cmd.Src = message.Loc{AppURI: "app1", ExtensionGroupName: "g1", ExtensionName: "e1"}
	cmd.Dests = []message.Loc{{ExtensionGroupName: "g2", ExtensionName: "e2"}}

	raw, err := Encode(cmd)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, cmd.Type, got.Type)
	assert.Equal(t, cmd.Src, got.Src)
	assert.Equal(t, cmd.Dests, got.Dests)
	assert.Equal(t, cmd.CmdName, got.CmdName)
	assert.Equal(t, cmd.CmdID, got.CmdID)

	text, err := got.Props.Get("text")
	require.NoError(t, err)
	s, err := text.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	count, err := got.Props.Get("count")
	require.NoError(t, err)
	i, err := count.AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), i)
}

func TestEncodeDecodeCmdResultWithoutProps(t *testing.T) {
	res := message.NewTimeoutCmdResult("greet", "cmd-123")

	raw, err := Encode(res)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, message.StatusTimeout, got.Status)
	assert.Equal(t, "cmd-123", got.CorrelatesTo)
	assert.True(t, got.IsFinal)
}

func TestEncodeDecodeDataMessage(t *testing.T) {
	data := message.NewData("frame", value.NewPropertyTree())
	data.Src = message.Loc{ExtensionName: "source"}

	raw, err := Encode(data)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, message.TypeData, got.Type)
	assert.Equal(t, "frame", got.Name)
	assert.Equal(t, "source", got.Src.ExtensionName)
}
