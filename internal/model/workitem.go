package model

import "time"

// Work item status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
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

// IsTerminal reports whether status is a final work item status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// WorkItem is the persisted history record of one enqueued work item.
type WorkItem struct {
	RunID        string     `json:"run_id"`
	ID           uint64     `json:"id"`
	TaskTypeName string     `json:"task_type"`
	Status       string     `json:"status"`
	WorkerID     *int       `json:"worker_id,omitempty"`
	PayloadKind  string     `json:"payload_kind,omitempty"`
	InputBytes   int        `json:"input_bytes"`
	OutputBytes  *int       `json:"output_bytes,omitempty"`
	Error        string     `json:"error,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ProgressLine is one persisted intermediate report of a work item.
type ProgressLine struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	WorkItemID uint64    `json:"work_item_id"`
	Seq        int       `json:"seq"`
	Progress   float64   `json:"progress"`
	Parameters string    `json:"parameters,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
