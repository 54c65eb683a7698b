package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a background task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// validStatuses enumerates all accepted status values.
var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from s to next. Terminal
// states are immutable; pending tasks may only start or cancel.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// Task is one unit of durable background work, enqueued either by the agent
// loop (mutating tool calls) or directly through the API.
type Task struct {
	// ID is assigned by the store on creation.
	ID int64 `json:"id"`
	// SessionID ties the task back to the conversation that spawned it.
	// Empty for tasks enqueued outside a conversation.
	SessionID string `json:"session_id,omitempty"`
	// Type selects the handler that executes this task.
	Type string `json:"type"`
	// Payload holds the handler's JSON-encoded arguments.
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  Status          `json:"status"`
	// Progress runs 0-100 and never decreases. Completion forces it to 100.
	Progress int `json:"progress"`
	// ProgressMessage is a free-form status line, overwritten on each report.
	ProgressMessage string `json:"progress_message,omitempty"`
	// Result holds the handler's JSON-encoded output once completed.
	Result json.RawMessage `json:"result,omitempty"`
	// Error records why the task failed.
	Error string `json:"error,omitempty"`
	// CancelRequested asks a running handler to stop at its next checkpoint.
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
