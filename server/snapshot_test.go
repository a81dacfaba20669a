package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/protocol"
	"collabtext/store"
)

type fakeArchive struct {
	saved []string
	fail  map[string]bool
}

func (a *fakeArchive) Save(ctx context.Context, doc *store.Document) error {
	if a.fail[doc.Key()] {
		return errors.New("unavailable")
	}
	a.saved = append(a.saved, doc.Key())
	return nil
}

func TestSnapshotArchivesChangedDocuments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, err := s.Create(ctx, "code", "a", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "problem", "a", "")
	require.NoError(t, err)

	archive := &fakeArchive{fail: map[string]bool{}}
	snap := newSnapshotter(s, archive)

	n, err := snap.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = snap.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.Apply(ctx, "code", "a", protocol.NewInsert(0, "x"))
	require.NoError(t, err)
	n, err = snap.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"code:a", "problem:a", "code:a"}, archive.saved)
}

func TestSnapshotRetriesFailedDocuments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_, err := s.Create(ctx, "code", "a", "")
	require.NoError(t, err)

	archive := &fakeArchive{fail: map[string]bool{"code:a": true}}
	snap := newSnapshotter(s, archive)

	n, err := snap.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	archive.fail["code:a"] = false
	n, err = snap.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
