package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/protocol"
)

func TestOutboxKeepsOrderPerDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	outbox, err := OpenOutbox(path)
	require.NoError(t, err)

	require.NoError(t, outbox.Save("code:a", []protocol.Operation{
		protocol.NewInsert(0, "x"),
		protocol.NewInsert(1, "y"),
	}))
	require.NoError(t, outbox.Save("code:b", []protocol.Operation{protocol.NewDelete(2, "")}))
	require.NoError(t, outbox.Save("code:a", []protocol.Operation{protocol.NewInsert(2, "z")}))
	require.NoError(t, outbox.Save("code:c", nil))

	keys, err := outbox.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"code:a", "code:b"}, keys)

	ops, err := outbox.Load("code:a")
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "xyz", ops[0].Text()+ops[1].Text()+ops[2].Text())

	// survives a reopen
	require.NoError(t, outbox.Close())
	outbox, err = OpenOutbox(path)
	require.NoError(t, err)
	defer outbox.Close()

	ops, err = outbox.Drain("code:a")
	require.NoError(t, err)
	assert.Len(t, ops, 3)

	ops, err = outbox.Drain("code:a")
	require.NoError(t, err)
	assert.Empty(t, ops)

	ops, err = outbox.Load("code:b")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, protocol.Delete, ops[0].Kind)
	assert.Nil(t, ops[0].Content)
}
