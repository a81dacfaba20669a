package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabtext/protocol"
)

const (
	RedisPrefix    = "sharedb:"
	docsPrefix     = RedisPrefix + "docs:"
	opsPrefix      = RedisPrefix + "ops:"
	presencePrefix = RedisPrefix + "presence:"

	// attempts of an optimistic transaction before giving up
	txAttempts = 16
)

// RedisStore keeps every document as JSON under sharedb:docs:{collection}:{doc_id},
// its full history as a list under sharedb:ops:, and presence under
// sharedb:presence: with a TTL. Writes are optimistic WATCH/MULTI transactions,
// so several servers can share one redis.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func docsKey(collection string, docId string) string {
	return docsPrefix + protocol.Key(collection, docId)
}

func opsKey(collection string, docId string) string {
	return opsPrefix + protocol.Key(collection, docId)
}

func presenceKey(collection string, docId string) string {
	return presencePrefix + protocol.Key(collection, docId)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readDocument(ctx context.Context, g getter, key string) (*Document, error) {
	b, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &doc, nil
}

func (s *RedisStore) Get(ctx context.Context, collection string, docId string) (*Document, error) {
	return readDocument(ctx, s.rdb, docsKey(collection, docId))
}

func (s *RedisStore) Create(ctx context.Context, collection string, docId string, content string) (*Document, error) {
	doc := newDocument(collection, docId, content, s.now())
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.SetNX(ctx, docsKey(collection, docId), b, 0).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExists
	}
	glog.Infof("[store]created %s\n", doc.Key())
	return doc, nil
}

// transaction runs fn in a WATCH on keys until it commits without a
// concurrent change.
func (s *RedisStore) transaction(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < txAttempts; i += 1 {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		glog.V(1).Infof("[store]transaction on %s retry %d\n", strings.Join(keys, ","), i+1)
	}
	return fmt.Errorf("%s: %w", strings.Join(keys, ","), redis.TxFailedErr)
}

func (s *RedisStore) Apply(ctx context.Context, collection string, docId string, op protocol.Operation) (protocol.Operation, error) {
	docKey := docsKey(collection, docId)
	var applied protocol.Operation
	err := s.transaction(ctx, func(tx *redis.Tx) error {
		doc, err := readDocument(ctx, tx, docKey)
		if err != nil {
			return err
		}
		applied, err = doc.apply(op, s.now())
		if err != nil {
			return err
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		opBytes, err := json.Marshal(applied)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, docBytes, 0)
			pipe.RPush(ctx, opsKey(collection, docId), opBytes)
			return nil
		})
		return err
	}, docKey)
	if err != nil {
		return op, err
	}
	return applied, nil
}

func (s *RedisStore) History(ctx context.Context, collection string, docId string, fromVersion int) ([]protocol.Operation, error) {
	values, err := s.rdb.LRange(ctx, opsKey(collection, docId), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ops := []protocol.Operation{}
	for _, value := range values {
		var op protocol.Operation
		if err := json.Unmarshal([]byte(value), &op); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", protocol.Key(collection, docId), err)
		}
		if fromVersion < op.Version {
			ops = append(ops, op)
		}
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Version < ops[j].Version })
	return ops, nil
}

func (s *RedisStore) Delete(ctx context.Context, collection string, docId string) error {
	return s.rdb.Del(ctx,
		docsKey(collection, docId),
		opsKey(collection, docId),
		presenceKey(collection, docId),
	).Err()
}

func readPresence(ctx context.Context, g getter, key string) (map[string]protocol.PresenceEntry, error) {
	presence := map[string]protocol.PresenceEntry{}
	b, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return presence, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &presence); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return presence, nil
}

func (s *RedisStore) SetPresence(ctx context.Context, collection string, docId string, connectionId string, entry protocol.PresenceEntry) error {
	key := presenceKey(collection, docId)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	return s.transaction(ctx, func(tx *redis.Tx) error {
		presence, err := readPresence(ctx, tx, key)
		if err != nil {
			return err
		}
		presence = livePresence(presence, s.now())
		presence[connectionId] = entry
		b, err := json.Marshal(presence)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetEx(ctx, key, b, PresenceTTL)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Presence(ctx context.Context, collection string, docId string) (map[string]protocol.PresenceEntry, error) {
	presence, err := readPresence(ctx, s.rdb, presenceKey(collection, docId))
	if err != nil {
		return nil, err
	}
	return livePresence(presence, s.now()), nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Document, error) {
	var docs []*Document
	iter := s.rdb.Scan(ctx, 0, docsPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		doc, err := readDocument(ctx, s.rdb, iter.Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key() < docs[j].Key() })
	return docs, nil
}
