package store

import (
	"context"
	"errors"

	"github.com/seantiz/taskdirector/internal/model"
)

// ErrInvalidTransition is returned when a work item status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Stats holds aggregate execution statistics.
type Stats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByTaskType map[string]int `json:"count_by_task_type"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// ListFilter narrows ListWorkItems. Empty fields match everything.
type ListFilter struct {
	RunID    string
	TaskType string
	Status   string
}

// Store defines the persistence operations for work item history.
type Store interface {
	CreateWorkItem(ctx context.Context, w *model.WorkItem) error
	GetWorkItem(ctx context.Context, runID string, id uint64) (*model.WorkItem, error)
	ListWorkItems(ctx context.Context, filter ListFilter, limit, offset int) ([]*model.WorkItem, int, error)
	UpdateWorkItemStatus(ctx context.Context, runID string, id uint64, status string) error
	StartWorkItem(ctx context.Context, runID string, id uint64, workerID int) error
	FinishWorkItem(ctx context.Context, w *model.WorkItem) error
	GetStats(ctx context.Context) (*Stats, error)
	InsertProgress(ctx context.Context, p *model.ProgressLine) error
	GetProgress(ctx context.Context, runID string, workItemID uint64) ([]model.ProgressLine, error)
	Close() error
}
