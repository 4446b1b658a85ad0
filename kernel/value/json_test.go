package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTripPreservesKeyOrder(t *testing.T) {
	src := []byte(`{"z":1,"a":"two","m":[true,null,3.5]}`)
	v, err := FromJSON(src)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, v.ObjectKeys())

	out, err := ToJSON(v)
	require.NoError(t, err)

	roundtripped, err := FromJSON(out)
	require.NoError(t, err)
	assert.True(t, v.Equal(roundtripped))
	assert.Equal(t, []string{"z", "a", "m"}, roundtripped.ObjectKeys())
}
