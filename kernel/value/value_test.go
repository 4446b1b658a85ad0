package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetFromPath(t *testing.T) {
	root := NewObject()
	require.NoError(t, SetFromPath(root, "a.b[2].c", NewString("hi")))

	got, err := GetFromPath(root, "a.b[2].c")
	require.NoError(t, err)
	s, err := got.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	b, err := GetFromPath(root, "a.b")
	require.NoError(t, err)
	assert.Equal(t, KindArray, b.Kind())
	arr, _ := b.AsArray()
	assert.Len(t, arr, 3)
}

func TestGetFromPathMissingKey(t *testing.T) {
	root := NewObject()
	_, err := GetFromPath(root, "missing")
	assert.Error(t, err)
}

func TestCloneCorrectness(t *testing.T) {
	src := NewObject()
	src.ObjectSet("n", NewInt64(42))
	src.ObjectSet("arr", NewArray(NewString("a"), NewString("b")))

	cloned := src.Clone()
	assert.True(t, src.Equal(cloned))

	// mutating the clone must not affect the source.
	cloned.ObjectSet("n", NewInt64(99))
	n, _ := src.ObjectGet("n")
	v, _ := n.AsInt64()
	assert.Equal(t, int64(42), v)

	clonedArr, _ := cloned.ObjectGet("arr")
	arr, _ := clonedArr.AsArray()
	arr[0] = NewString("mutated")
	srcArr, _ := src.ObjectGet("arr")
	origArr, _ := srcArr.AsArray()
	s0, _ := origArr[0].AsString()
	assert.Equal(t, "a", s0)
}

func TestObjectKeyOrderPreserved(t *testing.T) {
	root := NewObject()
	root.ObjectSet("z", NewBool(true))
	root.ObjectSet("a", NewBool(false))
	root.ObjectSet("m", NewBool(true))
	assert.Equal(t, []string{"z", "a", "m"}, root.ObjectKeys())
}

func TestMergePreservesDestOrderAndAppendsNew(t *testing.T) {
	dst := NewObject()
	dst.ObjectSet("x", NewInt64(1))
	dst.ObjectSet("y", NewInt64(2))

	src := NewObject()
	src.ObjectSet("y", NewInt64(20))
	src.ObjectSet("z", NewInt64(3))

	merged, err := Merge(dst, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, merged.ObjectKeys())

	y, _ := merged.ObjectGet("y")
	yv, _ := y.AsInt64()
	assert.Equal(t, int64(20), yv)

	// dst untouched.
	dy, _ := dst.ObjectGet("y")
	dyv, _ := dy.AsInt64()
	assert.Equal(t, int64(2), dyv)
}

func TestMergeClonesSourceSubtrees(t *testing.T) {
	dst := NewObject()
	src := NewObject()
	nested := NewObject()
	nested.ObjectSet("inner", NewInt64(7))
	src.ObjectSet("n", nested)

	merged, err := Merge(dst, src)
	require.NoError(t, err)

	mn, _ := merged.ObjectGet("n")
	mn.ObjectSet("inner", NewInt64(99))

	inner, _ := nested.ObjectGet("inner")
	iv, _ := inner.AsInt64()
	assert.Equal(t, int64(7), iv)
}

func TestSchemaValidateRequired(t *testing.T) {
	schema := &Schema{
		Type:     KindObject,
		Required: []string{"k"},
	}
	empty := NewObject()
	assert.Error(t, schema.Validate(empty))

	withK := NewObject()
	withK.ObjectSet("k", NewString("v"))
	assert.NoError(t, schema.Validate(withK))
}

func TestSchemaValidateNestedTypes(t *testing.T) {
	schema := &Schema{
		Type:     KindObject,
		Required: []string{"name"},
		Properties: map[string]*Schema{
			"name": {Type: KindString},
			"tags": {Type: KindArray, Items: &Schema{Type: KindString}},
		},
	}
	good := NewObject()
	good.ObjectSet("name", NewString("e1"))
	good.ObjectSet("tags", NewArray(NewString("a"), NewString("b")))
	assert.NoError(t, schema.Validate(good))

	bad := NewObject()
	bad.ObjectSet("name", NewInt64(1))
	assert.Error(t, schema.Validate(bad))
}
