package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/protocol"
	"collabtext/store"
)

// Documents answers the document protocol. Requests on one document are
// serialized, so the replies and remote operations of one version are
// enqueued before anything about the next version.
type Documents struct {
	store store.Store
	// set when several servers share the store
	publish func(ctx context.Context, frame []byte) error

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	subs  map[string]map[*Client]bool
}

func NewDocuments(s store.Store) *Documents {
	return &Documents{
		store: s,
		locks: map[string]*sync.Mutex{},
		subs:  map[string]map[*Client]bool{},
	}
}

func (d *Documents) lock(key string) func() {
	d.mu.Lock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (d *Documents) subscribe(key string, c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	clients, ok := d.subs[key]
	if !ok {
		clients = map[*Client]bool{}
		d.subs[key] = clients
	}
	clients[c] = true
}

func (d *Documents) unsubscribe(key string, c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if clients, ok := d.subs[key]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(d.subs, key)
		}
	}
}

// Drop removes every subscription of a client that left.
func (d *Documents) Drop(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, clients := range d.subs {
		delete(clients, c)
		if len(clients) == 0 {
			delete(d.subs, key)
		}
	}
}

func (d *Documents) subscribers(key string) []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	clients := make([]*Client, 0, len(d.subs[key]))
	for c := range d.subs[key] {
		clients = append(clients, c)
	}
	return clients
}

func (d *Documents) reply(c *Client, msg *protocol.DocumentMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		glog.Errorf("[doc]encode %s error = %s\n", msg.Type, err)
		return
	}
	glog.V(2).Infof("[doc]%s -> %s\n", c.id, msg.Type)
	c.enqueue(frame)
}

// fanout sends msg to the subscribers of key other than sender.
func (d *Documents) fanout(key string, sender *Client, msg *protocol.DocumentMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		glog.Errorf("[doc]encode %s error = %s\n", msg.Type, err)
		return
	}
	for _, c := range d.subscribers(key) {
		if c != sender {
			c.enqueue(frame)
		}
	}
}

func failure(msgType string, msg *protocol.DocumentMessage, reason string) *protocol.DocumentMessage {
	return &protocol.DocumentMessage{
		Type:       protocol.ErrorType(msgType),
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Error:      reason,
	}
}

// rejection is an op-error carrying the id of the refused operation.
func rejection(msg *protocol.DocumentMessage, reason string) *protocol.DocumentMessage {
	out := failure(msg.Type, msg, reason)
	out.OpID = msg.Operation.ID
	return out
}

func (d *Documents) Handle(ctx context.Context, c *Client, msgType string, frame []byte) {
	var msg protocol.DocumentMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		d.reply(c, &protocol.DocumentMessage{Type: protocol.ErrorType(msgType), Error: "malformed message"})
		return
	}
	if msg.Collection == "" || msg.DocID == "" {
		d.reply(c, &protocol.DocumentMessage{Type: protocol.ErrorType(msgType), Error: "missing collection or doc_id"})
		return
	}

	key := protocol.Key(msg.Collection, msg.DocID)
	unlock := d.lock(key)
	defer unlock()

	switch msgType {
	case protocol.TypeFetch:
		d.fetch(ctx, c, &msg)
	case protocol.TypeSubscribe:
		d.subscribe(key, c)
		glog.V(1).Infof("[doc]%s subscribed to %s\n", c.id, key)
		d.reply(c, &protocol.DocumentMessage{Type: protocol.TypeSubscribed, Collection: msg.Collection, DocID: msg.DocID})
	case protocol.TypeUnsubscribe:
		d.unsubscribe(key, c)
		d.reply(c, &protocol.DocumentMessage{Type: protocol.TypeUnsubscribed, Collection: msg.Collection, DocID: msg.DocID})
	case protocol.TypeOp:
		d.operation(ctx, c, &msg)
	case protocol.TypeHistory:
		d.history(ctx, c, &msg)
	case protocol.TypeCursor:
		d.cursor(ctx, c, &msg)
	case protocol.TypePresence:
		presence, err := d.store.Presence(ctx, msg.Collection, msg.DocID)
		if err != nil {
			d.reply(c, failure(msgType, &msg, err.Error()))
			return
		}
		d.reply(c, &protocol.DocumentMessage{
			Type:       protocol.TypePresenceResponse,
			Collection: msg.Collection,
			DocID:      msg.DocID,
			Presence:   presence,
		})
	default:
		d.reply(c, &protocol.DocumentMessage{Type: protocol.TypeError, Error: "unknown message type: " + msgType})
	}
}

func (d *Documents) fetch(ctx context.Context, c *Client, msg *protocol.DocumentMessage) {
	doc, err := store.GetOrCreate(ctx, d.store, msg.Collection, msg.DocID)
	if err != nil {
		glog.Errorf("[doc]fetch %s error = %s\n", protocol.Key(msg.Collection, msg.DocID), err)
		d.reply(c, failure(msg.Type, msg, err.Error()))
		return
	}
	created := doc.CreatedAt
	d.reply(c, &protocol.DocumentMessage{
		Type:       protocol.TypeFetchResponse,
		Collection: doc.Collection,
		DocID:      doc.DocID,
		Content:    protocol.Text(doc.Content),
		Version:    protocol.Int(doc.Version),
		Timestamp:  &created,
	})
}

func (d *Documents) operation(ctx context.Context, c *Client, msg *protocol.DocumentMessage) {
	if msg.Operation == nil {
		d.reply(c, failure(msg.Type, msg, "missing collection, doc_id, or operation"))
		return
	}
	op := *msg.Operation
	if err := op.Validate(); err != nil {
		d.reply(c, failure(msg.Type, msg, err.Error()))
		return
	}
	if c.userId != "" {
		op.UserID = c.userId
	}

	key := protocol.Key(msg.Collection, msg.DocID)
	applied, err := d.store.Apply(ctx, msg.Collection, msg.DocID, op)
	switch {
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrNotFound):
		glog.Infof("[doc]%s rejected %s from %s = %s\n", key, op, c.id, err)
		d.reply(c, rejection(msg, "version conflict - operation not applied"))
		return
	case err != nil:
		glog.Errorf("[doc]%s apply error = %s\n", key, err)
		d.reply(c, rejection(msg, err.Error()))
		return
	}
	glog.V(1).Infof("[doc]%s applied %s\n", key, applied)

	d.reply(c, &protocol.DocumentMessage{
		Type:       protocol.TypeOpAck,
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Version:    protocol.Int(applied.Version),
		OpID:       applied.ID,
	})
	remote := &protocol.DocumentMessage{
		Type:           protocol.TypeRemoteOp,
		Collection:     msg.Collection,
		DocID:          msg.DocID,
		Operation:      &applied,
		FromConnection: c.id,
	}
	d.fanout(key, c, remote)

	if d.publish != nil {
		frame, err := json.Marshal(remote)
		if err == nil {
			err = d.publish(ctx, frame)
		}
		if err != nil {
			glog.Errorf("[relay]publish %s error = %s\n", key, err)
		}
	}
}

// Remote delivers an operation applied by another server to the local
// subscribers.
func (d *Documents) Remote(msg *protocol.DocumentMessage) {
	key := protocol.Key(msg.Collection, msg.DocID)
	unlock := d.lock(key)
	defer unlock()
	d.fanout(key, nil, msg)
}

func (d *Documents) history(ctx context.Context, c *Client, msg *protocol.DocumentMessage) {
	from := msg.FromVersionValue()
	ops, err := d.store.History(ctx, msg.Collection, msg.DocID, from)
	if err != nil {
		d.reply(c, failure(msg.Type, msg, err.Error()))
		return
	}
	d.reply(c, &protocol.DocumentMessage{
		Type:        protocol.TypeHistoryResponse,
		Collection:  msg.Collection,
		DocID:       msg.DocID,
		FromVersion: protocol.Int(from),
		Operations:  ops,
	})
}

func (d *Documents) cursor(ctx context.Context, c *Client, msg *protocol.DocumentMessage) {
	entry := protocol.PresenceEntry{
		Cursor:    msg.Cursor,
		Selection: msg.Selection,
		UserID:    c.userId,
		Timestamp: time.Now().UTC(),
	}
	if err := d.store.SetPresence(ctx, msg.Collection, msg.DocID, c.id, entry); err != nil {
		d.reply(c, failure(msg.Type, msg, err.Error()))
		return
	}
	d.fanout(protocol.Key(msg.Collection, msg.DocID), c, &protocol.DocumentMessage{
		Type:         protocol.TypeRemoteCursor,
		Collection:   msg.Collection,
		DocID:        msg.DocID,
		ConnectionID: c.id,
		UserID:       c.userId,
		Cursor:       msg.Cursor,
		Selection:    msg.Selection,
	})
	d.reply(c, &protocol.DocumentMessage{Type: protocol.TypeCursorAck, Collection: msg.Collection, DocID: msg.DocID})
}
