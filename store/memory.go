package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabtext/protocol"
)

// MemoryStore keeps documents in process. It is used when no redis is
// configured, and in tests.
type MemoryStore struct {
	now func() time.Time

	mu       sync.Mutex
	docs     map[string]*Document
	history  map[string][]protocol.Operation
	presence map[string]map[string]protocol.PresenceEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		docs:     map[string]*Document{},
		history:  map[string][]protocol.Operation{},
		presence: map[string]map[string]protocol.PresenceEntry{},
	}
}

func copyDocument(doc *Document) *Document {
	out := *doc
	out.Operations = append([]protocol.Operation{}, doc.Operations...)
	return &out
}

func (s *MemoryStore) Get(ctx context.Context, collection string, docId string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[protocol.Key(collection, docId)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *MemoryStore) Create(ctx context.Context, collection string, docId string, content string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := protocol.Key(collection, docId)
	if _, ok := s.docs[key]; ok {
		return nil, ErrExists
	}
	doc := newDocument(collection, docId, content, s.now())
	s.docs[key] = doc
	return copyDocument(doc), nil
}

func (s *MemoryStore) Apply(ctx context.Context, collection string, docId string, op protocol.Operation) (protocol.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := protocol.Key(collection, docId)
	doc, ok := s.docs[key]
	if !ok {
		return op, ErrNotFound
	}
	applied, err := doc.apply(op, s.now())
	if err != nil {
		return op, err
	}
	s.history[key] = append(s.history[key], applied)
	return applied, nil
}

func (s *MemoryStore) History(ctx context.Context, collection string, docId string, fromVersion int) ([]protocol.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := []protocol.Operation{}
	for _, op := range s.history[protocol.Key(collection, docId)] {
		if fromVersion < op.Version {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection string, docId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := protocol.Key(collection, docId)
	delete(s.docs, key)
	delete(s.history, key)
	delete(s.presence, key)
	return nil
}

func (s *MemoryStore) SetPresence(ctx context.Context, collection string, docId string, connectionId string, entry protocol.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := protocol.Key(collection, docId)
	presence, ok := s.presence[key]
	if !ok {
		presence = map[string]protocol.PresenceEntry{}
		s.presence[key] = presence
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	presence[connectionId] = entry
	return nil
}

func (s *MemoryStore) Presence(ctx context.Context, collection string, docId string) (map[string]protocol.PresenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return livePresence(s.presence[protocol.Key(collection, docId)], s.now()), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, copyDocument(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key() < docs[j].Key() })
	return docs, nil
}
