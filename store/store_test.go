package store

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/protocol"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("v", "0")
}

// testStore runs the behavior every Store shares. Documents use a fresh id so
// a shared redis can be used.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		id := uuid.NewString()
		_, err := s.Get(ctx, "code", id)
		assert.ErrorIs(t, err, ErrNotFound)

		doc, err := s.Create(ctx, "code", id, "print(1)")
		require.NoError(t, err)
		assert.Equal(t, 0, doc.Version)

		_, err = s.Create(ctx, "code", id, "")
		assert.ErrorIs(t, err, ErrExists)

		doc, err = s.Get(ctx, "code", id)
		require.NoError(t, err)
		assert.Equal(t, "print(1)", doc.Content)
	})

	t.Run("get or create", func(t *testing.T) {
		id := uuid.NewString()
		doc, err := GetOrCreate(ctx, s, "problem", id)
		require.NoError(t, err)
		assert.Equal(t, "", doc.Content)
		assert.Equal(t, 0, doc.Version)

		_, err = s.Apply(ctx, "problem", id, protocol.NewInsert(0, "x"))
		require.NoError(t, err)
		doc, err = GetOrCreate(ctx, s, "problem", id)
		require.NoError(t, err)
		assert.Equal(t, "x", doc.Content)
	})

	t.Run("apply", func(t *testing.T) {
		id := uuid.NewString()
		_, err := s.Create(ctx, "code", id, "abc")
		require.NoError(t, err)

		applied, err := s.Apply(ctx, "code", id, protocol.NewInsert(3, "d"))
		require.NoError(t, err)
		assert.Equal(t, 1, applied.Version)
		assert.NotNil(t, applied.Timestamp)

		// issued against version 0 again
		_, err = s.Apply(ctx, "code", id, protocol.NewInsert(0, "x"))
		assert.ErrorIs(t, err, ErrVersionConflict)

		del := protocol.Operation{Kind: protocol.Delete, Position: 0, Version: 1}
		applied, err = s.Apply(ctx, "code", id, del)
		require.NoError(t, err)
		assert.Equal(t, 2, applied.Version)

		doc, err := s.Get(ctx, "code", id)
		require.NoError(t, err)
		assert.Equal(t, "bcd", doc.Content)
		assert.Equal(t, 2, doc.Version)
		assert.Len(t, doc.Operations, 2)

		_, err = s.Apply(ctx, "code", uuid.NewString(), protocol.NewInsert(0, "x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("history", func(t *testing.T) {
		id := uuid.NewString()
		_, err := s.Create(ctx, "code", id, "")
		require.NoError(t, err)
		for i := 0; i < 5; i += 1 {
			op := protocol.NewInsert(i, fmt.Sprint(i))
			op.Version = i
			_, err := s.Apply(ctx, "code", id, op)
			require.NoError(t, err)
		}

		ops, err := s.History(ctx, "code", id, 2)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, []int{3, 4, 5}, []int{ops[0].Version, ops[1].Version, ops[2].Version})
		assert.Equal(t, "01234", protocol.Replay("", mustHistory(t, s, id)))

		ops, err = s.History(ctx, "code", uuid.NewString(), 0)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("concurrent apply", func(t *testing.T) {
		id := uuid.NewString()
		_, err := s.Create(ctx, "code", id, "")
		require.NoError(t, err)

		// every writer issues against version 0, exactly one wins
		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i += 1 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Apply(ctx, "code", id, protocol.NewInsert(0, "x"))
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		ok := 0
		for err := range results {
			if err == nil {
				ok += 1
			} else {
				assert.ErrorIs(t, err, ErrVersionConflict)
			}
		}
		assert.Equal(t, 1, ok)
	})

	t.Run("presence", func(t *testing.T) {
		id := uuid.NewString()
		require.NoError(t, s.SetPresence(ctx, "code", id, "c1", protocol.PresenceEntry{
			Cursor: &protocol.Cursor{Line: 1, Column: 2},
			UserID: "u1",
		}))
		require.NoError(t, s.SetPresence(ctx, "code", id, "c2", protocol.PresenceEntry{
			Cursor: &protocol.Cursor{Line: 3, Column: 4},
		}))

		presence, err := s.Presence(ctx, "code", id)
		require.NoError(t, err)
		require.Len(t, presence, 2)
		assert.Equal(t, "u1", presence["c1"].UserID)
		assert.Equal(t, 4, presence["c2"].Cursor.Column)
		assert.False(t, presence["c1"].Timestamp.IsZero())
	})

	t.Run("delete", func(t *testing.T) {
		id := uuid.NewString()
		_, err := s.Create(ctx, "code", id, "abc")
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "code", id))
		_, err = s.Get(ctx, "code", id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func mustHistory(t *testing.T, s Store, id string) []protocol.Operation {
	ops, err := s.History(context.Background(), "code", id, 0)
	require.NoError(t, err)
	return ops
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, "problem", "a", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "code", "a", "")
	require.NoError(t, err)

	docs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "code:a", docs[0].Key())
	assert.Equal(t, "problem:a", docs[1].Key())
}

func TestInlineOperationsBounded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, "code", "a", "")
	require.NoError(t, err)

	for i := 0; i < InlineOperations+20; i += 1 {
		op := protocol.NewInsert(0, "x")
		op.Version = i
		_, err := s.Apply(ctx, "code", "a", op)
		require.NoError(t, err)
	}

	doc, err := s.Get(ctx, "code", "a")
	require.NoError(t, err)
	assert.Len(t, doc.Operations, InlineOperations)
	assert.Equal(t, 21, doc.Operations[0].Version)

	ops, err := s.History(ctx, "code", "a", 0)
	require.NoError(t, err)
	assert.Len(t, ops, InlineOperations+20)
}

func TestMemoryPresenceExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.SetPresence(ctx, "code", "a", "c1", protocol.PresenceEntry{}))
	presence, err := s.Presence(ctx, "code", "a")
	require.NoError(t, err)
	assert.Len(t, presence, 1)

	now = now.Add(PresenceTTL)
	presence, err = s.Presence(ctx, "code", "a")
	require.NoError(t, err)
	assert.Empty(t, presence)
}

// Runs against a real redis when REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(context.Background()).Err())

	testStore(t, NewRedisStore(rdb))
}
