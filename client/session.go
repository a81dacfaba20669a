package client

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"collabtext/protocol"
)

// Session groups the documents shared over one connection. It owns the
// connection state handler: when the connection reopens every document
// fetches again and flushes its queue.
type Session struct {
	conn     *Connection
	settings *DocumentSettings

	mu   sync.Mutex
	docs map[string]*Document
	// observer passed to documents created by Document
	observer DocumentObserver

	connectedHandler func(connected bool)
}

func NewSession(conn *Connection, settings *DocumentSettings) *Session {
	s := &Session{
		conn:     conn,
		settings: settings,
		docs:     map[string]*Document{},
	}
	conn.SetStateHandler(s.stateChanged)
	return s
}

func (s *Session) Connection() *Connection {
	return s.conn
}

func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// SetObserver sets the observer used by documents opened after the call.
func (s *Session) SetObserver(observer DocumentObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

// SetConnectedHandler is notified after the documents handled the transition.
func (s *Session) SetConnectedHandler(handler func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedHandler = handler
}

// On observes the plain session envelopes such as user_join or problem_updated.
func (s *Session) On(msgType string, listener Listener) *Subscription {
	return s.conn.On(msgType, listener)
}

// Document returns the document for (collection, docId), opening and
// fetching it on first use.
func (s *Session) Document(collection string, docId string) *Document {
	return s.DocumentWithObserver(collection, docId, nil)
}

// DocumentWithObserver is Document with an observer for this document only.
// The observer is ignored when the document is already open.
func (s *Session) DocumentWithObserver(collection string, docId string, observer *DocumentObserver) *Document {
	key := protocol.Key(collection, docId)

	s.mu.Lock()
	if doc, ok := s.docs[key]; ok {
		s.mu.Unlock()
		return doc
	}
	o := s.observer
	if observer != nil {
		o = *observer
	}
	doc := NewDocument(s.conn, collection, docId, s.settings, o)
	s.docs[key] = doc
	s.mu.Unlock()

	if err := doc.Fetch(); err != nil {
		glog.Infof("[session]fetch %s error = %s\n", key, err)
	}
	return doc
}

// Unsubscribe closes the document and returns its unacknowledged operations.
func (s *Session) Unsubscribe(collection string, docId string) []protocol.Operation {
	key := protocol.Key(collection, docId)

	s.mu.Lock()
	doc, ok := s.docs[key]
	delete(s.docs, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return doc.Close()
}

// Documents returns the open documents.
func (s *Session) Documents() []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	return docs
}

// Close closes every document and the connection. The unacknowledged
// operations are returned by document key.
func (s *Session) Close() map[string][]protocol.Operation {
	s.mu.Lock()
	docs := s.docs
	s.docs = map[string]*Document{}
	s.mu.Unlock()

	dropped := map[string][]protocol.Operation{}
	for key, doc := range docs {
		if ops := doc.Close(); 0 < len(ops) {
			dropped[key] = ops
		}
	}
	s.conn.Disconnect()
	return dropped
}

func (s *Session) stateChanged(connected bool) {
	docs := s.Documents()
	for _, doc := range docs {
		if connected {
			if err := doc.Resync(); err != nil {
				glog.Infof("[session]resync %s error = %s\n", doc.Key(), err)
			}
		} else {
			doc.ConnectionLost()
		}
	}

	s.mu.Lock()
	handler := s.connectedHandler
	s.mu.Unlock()
	if handler != nil {
		handler(connected)
	}
}
