package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabtext/protocol"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrExists          = errors.New("document already exists")
	ErrVersionConflict = errors.New("version conflict")
)

const (
	// operations kept inline on a document, the full history is kept apart
	InlineOperations = 100
	PresenceTTL      = 300 * time.Second
)

type Document struct {
	Collection string               `json:"collection"`
	DocID      string               `json:"doc_id"`
	Version    int                  `json:"version"`
	Content    string               `json:"content"`
	Operations []protocol.Operation `json:"operations"`
	CreatedAt  time.Time            `json:"created_at"`
}

func (d *Document) Key() string {
	return protocol.Key(d.Collection, d.DocID)
}

// apply checks op against the document version and applies it. The returned
// operation carries the new version.
func (d *Document) apply(op protocol.Operation, now time.Time) (protocol.Operation, error) {
	if op.Version != d.Version {
		return op, fmt.Errorf("%w: %s expected %d, got %d", ErrVersionConflict, d.Key(), d.Version, op.Version)
	}
	d.Content = protocol.Apply(d.Content, op)
	d.Version += 1
	op.Version = d.Version
	if op.Timestamp == nil {
		op.Timestamp = &now
	}
	d.Operations = append(d.Operations, op)
	if InlineOperations < len(d.Operations) {
		d.Operations = append([]protocol.Operation(nil), d.Operations[len(d.Operations)-InlineOperations:]...)
	}
	return op, nil
}

// Store is the authoritative state of the shared documents.
type Store interface {
	Get(ctx context.Context, collection string, docId string) (*Document, error)
	// Create fails with ErrExists if the document exists.
	Create(ctx context.Context, collection string, docId string, content string) (*Document, error)
	// Apply applies op if it was issued against the current version and
	// returns it stamped with the new version. Otherwise ErrVersionConflict.
	Apply(ctx context.Context, collection string, docId string, op protocol.Operation) (protocol.Operation, error)
	// History returns the operations with a version above fromVersion, in order.
	History(ctx context.Context, collection string, docId string, fromVersion int) ([]protocol.Operation, error)
	Delete(ctx context.Context, collection string, docId string) error
	SetPresence(ctx context.Context, collection string, docId string, connectionId string, entry protocol.PresenceEntry) error
	Presence(ctx context.Context, collection string, docId string) (map[string]protocol.PresenceEntry, error)
	// List returns the documents of all collections.
	List(ctx context.Context) ([]*Document, error)
}

// GetOrCreate returns the document, creating it empty if it does not exist.
func GetOrCreate(ctx context.Context, s Store, collection string, docId string) (*Document, error) {
	doc, err := s.Get(ctx, collection, docId)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	doc, err = s.Create(ctx, collection, docId, "")
	if errors.Is(err, ErrExists) {
		// created concurrently
		return s.Get(ctx, collection, docId)
	}
	return doc, err
}

func newDocument(collection string, docId string, content string, now time.Time) *Document {
	return &Document{
		Collection: collection,
		DocID:      docId,
		Content:    content,
		Operations: []protocol.Operation{},
		CreatedAt:  now,
	}
}

func livePresence(presence map[string]protocol.PresenceEntry, now time.Time) map[string]protocol.PresenceEntry {
	out := map[string]protocol.PresenceEntry{}
	for id, entry := range presence {
		if now.Sub(entry.Timestamp) < PresenceTTL {
			out[id] = entry
		}
	}
	return out
}
