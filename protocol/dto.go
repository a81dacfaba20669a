package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Payloads of the plain session envelopes and of the collaborators that sit
// next to the document core.

// SessionPresence is the data of user_join and user_leave envelopes.
type SessionPresence struct {
	SessionID   uuid.UUID `json:"session_id"`
	Connections int       `json:"connections"`
}

// ProblemUpdated is the data of a problem_updated envelope.
type ProblemUpdated struct {
	SessionID   uuid.UUID `json:"session_id"`
	UpdatedBy   uuid.UUID `json:"updated_by"`
	ProblemText string    `json:"problem_text"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionRequest is accepted by the code execution service.
type ExecutionRequest struct {
	Code     string  `json:"code"`
	Language string  `json:"language"`
	Stdin    *string `json:"stdin,omitempty"`
	Timeout  *int    `json:"timeout,omitempty"`
}

// ExecutionResult is returned by the code execution service.
type ExecutionResult struct {
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exit_code"`
	ExecutionTimeMs int     `json:"execution_time_ms"`
	MemoryUsedKb    int     `json:"memory_used_kb"`
	Error           *string `json:"error,omitempty"`
}
