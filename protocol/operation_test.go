package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyInsert(t *testing.T) {
	assert.Equal(t, "abcd", Apply("abc", NewInsert(3, "d")))
	assert.Equal(t, "Xabc", Apply("abc", NewInsert(0, "X")))
	assert.Equal(t, "aXYbc", Apply("abc", NewInsert(1, "XY")))
	// past the end is clamped
	assert.Equal(t, "abcd", Apply("abc", NewInsert(10, "d")))
}

func TestApplyDeleteDefaultLength(t *testing.T) {
	op := Operation{Kind: Delete, Position: 3}
	assert.Nil(t, op.Content)
	assert.Equal(t, "abcef", Apply("abcdef", op))

	// an empty content behaves like a missing one
	op.Content = Text("")
	assert.Equal(t, "abcef", Apply("abcdef", op))
}

func TestApplyDeleteByContentLength(t *testing.T) {
	assert.Equal(t, "af", Apply("abcdef", NewDelete(1, "bcde")))
	assert.Equal(t, "ab", Apply("abcdef", NewDelete(2, "zzzzzzzz")))
	assert.Equal(t, "abc", Apply("abc", NewDelete(3, "x")))
}

func TestApplyCodePoints(t *testing.T) {
	assert.Equal(t, "héllo wörld", Apply("héllo wrld", NewInsert(7, "ö")))
	assert.Equal(t, "日本", Apply("日x本", NewDelete(1, "x")))
}

func TestReplayRoundTrip(t *testing.T) {
	// versions 1..N applied in order to the version 0 content give version N
	v0 := "def main():\n    pass\n"
	ops := []Operation{
		{Kind: Insert, Position: 0, Content: Text("# solution\n"), Version: 1},
		{Kind: Delete, Position: 27, Content: Text("pass"), Version: 2},
		{Kind: Insert, Position: 27, Content: Text("return 42"), Version: 3},
		{Kind: Delete, Position: 0, Version: 4},
	}
	assert.Equal(t, " solution\ndef main():\n    return 42\n", Replay(v0, ops))

	content := v0
	for i, op := range ops {
		content = Apply(content, op)
		assert.Equal(t, Replay(v0, ops[:i+1]), content)
	}
}

func TestOperationValidate(t *testing.T) {
	require.NoError(t, NewInsert(0, "a").Validate())
	require.NoError(t, NewDelete(4, "").Validate())
	require.Error(t, Operation{Kind: "replace"}.Validate())
	require.Error(t, Operation{Kind: Insert, Position: -1}.Validate())
}

func TestOperationWireFormat(t *testing.T) {
	b, err := json.Marshal(Operation{Kind: Delete, Position: 3, Version: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"delete","position":3,"version":7}`, string(b))

	var op Operation
	require.NoError(t, json.Unmarshal([]byte(`{"type":"insert","position":2,"content":"hi","version":1,"user_id":null}`), &op))
	assert.Equal(t, Insert, op.Kind)
	assert.Equal(t, "hi", op.Text())
	assert.Equal(t, 2, op.Len())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"delete","position":2,"content":null,"version":1}`), &op))
	assert.Nil(t, op.Content)
	assert.Equal(t, 1, op.Len())
}
