package model

import "time"

// Task status constants.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Well-known priority levels. Any value inside [PriorityMin, PriorityMax]
// is accepted at submission.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 20

	PriorityMin = 1
	PriorityMax = 20
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing edges.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusQueued:    true,
		StatusCancelled: true,
	},
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
		// Retry path: a failed attempt under the retry budget goes back to queued.
		StatusQueued: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is a unit of work dispatched against a provider.
type Task struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	// AssignedProvider is the provider chosen for the current attempt. It is
	// cleared when a retry picks a different provider.
	AssignedProvider string `json:"assigned_provider,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
