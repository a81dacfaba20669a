package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Document protocol message types.
const (
	TypeFetch         = "fetch"
	TypeFetchResponse = "fetch-response"
	TypeFetchError    = "fetch-error"

	TypeSubscribe        = "subscribe"
	TypeSubscribed       = "subscribed"
	TypeSubscribeError   = "subscribe-error"
	TypeUnsubscribe      = "unsubscribe"
	TypeUnsubscribed     = "unsubscribed"
	TypeUnsubscribeError = "unsubscribe-error"

	TypeOp       = "op"
	TypeOpAck    = "op-ack"
	TypeOpError  = "op-error"
	TypeRemoteOp = "remote-op"

	TypeHistory         = "history"
	TypeHistoryResponse = "history-response"
	TypeHistoryError    = "history-error"

	TypeCursor       = "cursor"
	TypeCursorAck    = "cursor-ack"
	TypeCursorError  = "cursor-error"
	TypeRemoteCursor = "remote-cursor"

	TypePresence         = "presence"
	TypePresenceResponse = "presence-response"
	TypePresenceError    = "presence-error"

	TypeError = "error"
)

// Session envelope types.
const (
	TypeUserJoin       = "user_join"
	TypeUserLeave      = "user_leave"
	TypeProblemUpdated = "problem_updated"
)

// TypeAny is the reserved listener type that receives every envelope.
const TypeAny = "message"

// IsDocumentRequest reports whether a client-sent type belongs to the
// document protocol rather than the session broadcast traffic.
func IsDocumentRequest(msgType string) bool {
	switch msgType {
	case TypeFetch, TypeSubscribe, TypeUnsubscribe, TypeOp, TypeHistory, TypeCursor, TypePresence:
		return true
	}
	return false
}

// ErrorType returns the error reply type for a request type, e.g. "fetch-error".
func ErrorType(requestType string) string {
	return requestType + "-error"
}

var ErrMissingType = errors.New("envelope has no type")

// Envelope is the connection-level frame. Raw holds the complete frame so that
// flat document messages can be decoded from it.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

func NewEnvelope(msgType string, data any) (*Envelope, error) {
	env := &Envelope{Type: msgType}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", msgType, err)
		}
		env.Data = b
	}
	return env, nil
}

func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	env.Raw = append(json.RawMessage(nil), frame...)
	return &env, nil
}

// DecodeData unmarshals the envelope data into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Document decodes the flat document message carried by the frame.
func (e *Envelope) Document() (*DocumentMessage, error) {
	var msg DocumentMessage
	if err := json.Unmarshal(e.Raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type Selection struct {
	Start Cursor `json:"start"`
	End   Cursor `json:"end"`
}

// PresenceEntry is one connection's cursor state on a document.
type PresenceEntry struct {
	Cursor    *Cursor    `json:"cursor"`
	Selection *Selection `json:"selection"`
	UserID    string     `json:"user_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// DocumentMessage carries every document protocol request and reply. Fields
// are only set when the message type uses them.
type DocumentMessage struct {
	Type       string `json:"type"`
	Collection string `json:"collection,omitempty"`
	DocID      string `json:"doc_id,omitempty"`

	Content     *string     `json:"content,omitempty"`
	Version     *int        `json:"version,omitempty"`
	Operation   *Operation  `json:"operation,omitempty"`
	Operations  []Operation `json:"operations,omitempty"`
	FromVersion *int        `json:"from_version,omitempty"`
	// OpID echoes the operation id in op-ack and op-error
	OpID string `json:"op_id,omitempty"`

	Cursor    *Cursor                  `json:"cursor,omitempty"`
	Selection *Selection               `json:"selection,omitempty"`
	Presence  map[string]PresenceEntry `json:"presence,omitempty"`

	FromConnection string     `json:"from_connection,omitempty"`
	ConnectionID   string     `json:"connection_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

func Int(v int) *int {
	return &v
}

// VersionValue returns the version field, or 0 when absent.
func (m *DocumentMessage) VersionValue() int {
	if m.Version == nil {
		return 0
	}
	return *m.Version
}

func (m *DocumentMessage) FromVersionValue() int {
	if m.FromVersion == nil {
		return 0
	}
	return *m.FromVersion
}

// Matches reports whether the message addresses the given document.
func (m *DocumentMessage) Matches(collection string, docID string) bool {
	return m.Collection == collection && m.DocID == docID
}

// Key is the "collection:doc_id" identity of a document.
func Key(collection string, docID string) string {
	return collection + ":" + docID
}
