package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
	collection  TEXT NOT NULL,
	doc_id      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	content     TEXT NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, doc_id)
)`

// SnapshotArchive keeps the latest archived content of each document in
// postgres. Saves never replace a newer version.
type SnapshotArchive struct {
	pool *pgxpool.Pool
}

func NewSnapshotArchive(ctx context.Context, pool *pgxpool.Pool) (*SnapshotArchive, error) {
	if _, err := pool.Exec(ctx, snapshotSchema); err != nil {
		return nil, fmt.Errorf("create document_snapshots: %w", err)
	}
	return &SnapshotArchive{pool: pool}, nil
}

// Save upserts the snapshot. An older version never replaces a newer one.
func (a *SnapshotArchive) Save(ctx context.Context, doc *Document) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO document_snapshots (collection, doc_id, version, content, archived_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, doc_id) DO UPDATE
		SET version = EXCLUDED.version, content = EXCLUDED.content, archived_at = EXCLUDED.archived_at
		WHERE document_snapshots.version < EXCLUDED.version`,
		doc.Collection, doc.DocID, doc.Version, doc.Content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive %s: %w", doc.Key(), err)
	}
	return nil
}

func (a *SnapshotArchive) Load(ctx context.Context, collection string, docId string) (*Document, error) {
	doc := &Document{Collection: collection, DocID: docId}
	err := a.pool.QueryRow(ctx,
		`SELECT version, content, archived_at FROM document_snapshots WHERE collection = $1 AND doc_id = $2`,
		collection, docId,
	).Scan(&doc.Version, &doc.Content, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}
