package toon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ENCODE — shape dispatch
// =============================================================================

func TestEncode_TabularArrayOfUniformObjects(t *testing.T) {
	e := New()

	out, ok := e.Encode([]byte(`[{"id":1,"name":"a"},{"id":2,"name":"b"}]`))

	require.True(t, ok)
	assert.Contains(t, string(out), "[2]{id,name}:")
	assert.Contains(t, string(out), "1,a")
	assert.Contains(t, string(out), "2,b")
}

func TestEncode_ScalarArrayIsInline(t *testing.T) {
	e := New()

	out, ok := e.Encode([]byte(`[1,2,3]`))

	require.True(t, ok)
	assert.Equal(t, "[3]: 1,2,3", string(out))
}

func TestEncode_NestedObjectIndentsUnderKey(t *testing.T) {
	e := New()

	out, ok := e.Encode([]byte(`{"user":{"id":1,"name":"a"}}`))

	require.True(t, ok)
	assert.Contains(t, string(out), "user:\n")
	assert.Contains(t, string(out), "  id: 1")
}

func TestEncode_MixedArrayFallsBackToListForm(t *testing.T) {
	e := New()

	out, ok := e.Encode([]byte(`[1,{"a":1},[2,3]]`))

	require.True(t, ok)
	assert.Contains(t, string(out), "- ")
}

func TestEncode_UnwrapsSingleTextBlock(t *testing.T) {
	e := New()

	out, ok := e.Encode([]byte(`[{"type":"text","text":"{\"id\":1,\"name\":\"a\"}"}]`))

	require.True(t, ok)
	assert.Contains(t, string(out), "id: 1")
	assert.Contains(t, string(out), "name: a")
}

func TestEncode_FailsOnNonJSON(t *testing.T) {
	e := New()

	_, ok := e.Encode([]byte("not json at all"))

	assert.False(t, ok)
}

func TestEncode_QuotesStringsContainingDelimiters(t *testing.T) {
	e := New()

	out, ok := e.Encode([]byte(`{"note":"a,b: c"}`))

	require.True(t, ok)
	assert.Contains(t, string(out), `note: "a,b: c"`)
}
