package protocol

import (
	"fmt"
	"time"
)

// Kind is the edit an Operation performs.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
)

// Operation is a single edit of a document, issued against Version.
// Position is an offset in code points, not bytes.
// For a delete, Content is the removed text and only its length matters;
// a delete without content removes exactly one character.
type Operation struct {
	Kind      Kind       `json:"type"`
	Position  int        `json:"position"`
	Content   *string    `json:"content,omitempty"`
	Version   int        `json:"version"`
	UserID    string     `json:"user_id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// ID is assigned by the client on first transmission and kept by the
	// store, so a retransmitted operation can be found in the history.
	ID string `json:"id,omitempty"`
}

// Text returns a pointer to s, for building operations inline.
func Text(s string) *string {
	return &s
}

func NewInsert(position int, text string) Operation {
	return Operation{Kind: Insert, Position: position, Content: Text(text)}
}

func NewDelete(position int, text string) Operation {
	if text == "" {
		return Operation{Kind: Delete, Position: position}
	}
	return Operation{Kind: Delete, Position: position, Content: Text(text)}
}

// Noop returns an empty insert that keeps the version and author of op.
func Noop(op Operation) Operation {
	return Operation{
		Kind:      Insert,
		Position:  op.Position,
		Content:   Text(""),
		Version:   op.Version,
		UserID:    op.UserID,
		Timestamp: op.Timestamp,
		ID:        op.ID,
	}
}

// IsNoop reports whether applying op leaves any content unchanged.
func (op Operation) IsNoop() bool {
	return op.Kind == Insert && op.Text() == ""
}

// Text returns the operation content, or "" when absent.
func (op Operation) Text() string {
	if op.Content == nil {
		return ""
	}
	return *op.Content
}

// Len is the number of characters the operation inserts or removes.
// An empty or missing delete content counts as one character.
func (op Operation) Len() int {
	n := len([]rune(op.Text()))
	if op.Kind == Delete && n == 0 {
		return 1
	}
	return n
}

func (op Operation) Validate() error {
	switch op.Kind {
	case Insert, Delete:
	default:
		return fmt.Errorf("unknown operation type %q", op.Kind)
	}
	if op.Position < 0 {
		return fmt.Errorf("negative position %d", op.Position)
	}
	if op.Version < 0 {
		return fmt.Errorf("negative version %d", op.Version)
	}
	return nil
}

func (op Operation) String() string {
	return fmt.Sprintf("%s@%d(v%d,%q)", op.Kind, op.Position, op.Version, op.Text())
}

// Apply returns content with op applied. Positions beyond the end of the
// content are clamped to it.
func Apply(content string, op Operation) string {
	runes := []rune(content)
	pos := clamp(op.Position, 0, len(runes))
	switch op.Kind {
	case Insert:
		if op.Content == nil {
			return content
		}
		return string(runes[:pos]) + *op.Content + string(runes[pos:])
	case Delete:
		end := clamp(pos+op.Len(), pos, len(runes))
		return string(runes[:pos]) + string(runes[end:])
	}
	return content
}

// Replay applies ops in order to content.
func Replay(content string, ops []Operation) string {
	for _, op := range ops {
		content = Apply(content, op)
	}
	return content
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
