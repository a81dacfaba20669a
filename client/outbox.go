package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"collabtext/protocol"
)

var outboxBucket = []byte("outbox")

// Outbox persists operations that were never acknowledged, so they can be
// submitted again by a later run. Operations of one document are kept in
// the order they were saved.
type Outbox struct {
	db *bolt.DB
}

func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Save appends ops to the outbox of the document key.
func (o *Outbox) Save(key string, ops []protocol.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(outboxBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		for _, op := range ops {
			value, err := json.Marshal(op)
			if err != nil {
				return err
			}
			id := ulid.Make()
			if err := b.Put(id[:], value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the saved operations of the document key without removing them.
func (o *Outbox) Load(key string) ([]protocol.Operation, error) {
	var ops []protocol.Operation
	err := o.db.View(func(tx *bolt.Tx) error {
		var err error
		ops, err = readOutbox(tx, key)
		return err
	})
	return ops, err
}

// Drain returns and removes the saved operations of the document key.
func (o *Outbox) Drain(key string) ([]protocol.Operation, error) {
	var ops []protocol.Operation
	err := o.db.Update(func(tx *bolt.Tx) error {
		var err error
		ops, err = readOutbox(tx, key)
		if err != nil || ops == nil {
			return err
		}
		return tx.Bucket(outboxBucket).DeleteBucket([]byte(key))
	})
	return ops, err
}

// Keys lists the documents that have saved operations.
func (o *Outbox) Keys() ([]string, error) {
	var keys []string
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(k, v []byte) error {
			// nested buckets have a nil value
			if v == nil {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	return keys, err
}

func readOutbox(tx *bolt.Tx, key string) ([]protocol.Operation, error) {
	b := tx.Bucket(outboxBucket).Bucket([]byte(key))
	if b == nil {
		return nil, nil
	}
	var ops []protocol.Operation
	err := b.ForEach(func(k, v []byte) error {
		var op protocol.Operation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("outbox %s entry %x: %w", key, k, err)
		}
		ops = append(ops, op)
		return nil
	})
	return ops, err
}
