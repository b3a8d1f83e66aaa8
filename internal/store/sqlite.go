package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/taskdirector/internal/model"

	_ "modernc.org/sqlite"
)

const createWorkItemsTable = `
CREATE TABLE IF NOT EXISTS work_items (
    run_id       TEXT NOT NULL,
    id           INTEGER NOT NULL,
    task_type    TEXT NOT NULL,
    status       TEXT NOT NULL,
    worker_id    INTEGER,
    payload_kind TEXT NOT NULL DEFAULT '',
    input_bytes  INTEGER NOT NULL DEFAULT 0,
    output_bytes INTEGER,
    error        TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME,
    PRIMARY KEY (run_id, id)
)`

const createProgressTable = `
CREATE TABLE IF NOT EXISTS progress_lines (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT NOT NULL,
    work_item_id INTEGER NOT NULL,
    seq          INTEGER NOT NULL,
    progress     REAL NOT NULL,
    parameters   TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL
)`

const createProgressIndex = `
CREATE INDEX IF NOT EXISTS idx_progress_item ON progress_lines (run_id, work_item_id, seq)`

const workItemColumns = `run_id, id, task_type, status, worker_id, payload_kind,
	input_bytes, output_bytes, error, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a work item is not found.
var ErrNotFound = errors.New("work item not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createWorkItemsTable, createProgressTable, createProgressIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorkItem inserts a new work item record.
func (s *SQLiteStore) CreateWorkItem(ctx context.Context, w *model.WorkItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO work_items (`+workItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.RunID, w.ID, w.TaskTypeName, w.Status, w.WorkerID, w.PayloadKind,
		w.InputBytes, w.OutputBytes, w.Error, w.DurationMS, w.CreatedAt, w.StartedAt, w.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row scanner) (*model.WorkItem, error) {
	w := &model.WorkItem{}
	err := row.Scan(
		&w.RunID, &w.ID, &w.TaskTypeName, &w.Status, &w.WorkerID, &w.PayloadKind,
		&w.InputBytes, &w.OutputBytes, &w.Error, &w.DurationMS, &w.CreatedAt, &w.StartedAt, &w.FinishedAt,
	)
	return w, err
}

// GetWorkItem retrieves a work item by run and id.
func (s *SQLiteStore) GetWorkItem(ctx context.Context, runID string, id uint64) (*model.WorkItem, error) {
	w, err := scanWorkItem(s.db.QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE run_id = ? AND id = ?`, runID, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return w, nil
}

// ListWorkItems returns a page of work items ordered newest first, along
// with the total count of matching items.
func (s *SQLiteStore) ListWorkItems(ctx context.Context, filter ListFilter, limit, offset int) ([]*model.WorkItem, int, error) {
	var conds []string
	var args []any
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.TaskType != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, filter.TaskType)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM work_items"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count work items: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []*model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate work items: %w", err)
	}

	return items, total, nil
}

// transition moves a work item to status inside tx after checking the
// lifecycle rules. extra columns are set alongside the status.
func transition(ctx context.Context, tx *sql.Tx, runID string, id uint64, status string, extra string, extraArgs ...any) error {
	var current string
	err := tx.QueryRowContext(ctx,
		"SELECT status FROM work_items WHERE run_id = ? AND id = ?", runID, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current, status)
	}

	args := append([]any{status}, extraArgs...)
	args = append(args, runID, id)
	if _, err := tx.ExecContext(ctx,
		"UPDATE work_items SET status = ?"+extra+" WHERE run_id = ? AND id = ?", args...,
	); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateWorkItemStatus updates the status of a work item. Running sets
// started_at; terminal statuses set finished_at.
func (s *SQLiteStore) UpdateWorkItemStatus(ctx context.Context, runID string, id uint64, status string) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		switch {
		case status == model.StatusRunning:
			return transition(ctx, tx, runID, id, status, ", started_at = ?", now)
		case model.IsTerminal(status):
			return transition(ctx, tx, runID, id, status, ", finished_at = ?", now)
		default:
			return transition(ctx, tx, runID, id, status, "")
		}
	})
}

// StartWorkItem marks a work item running on the given worker.
func (s *SQLiteStore) StartWorkItem(ctx context.Context, runID string, id uint64, workerID int) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return transition(ctx, tx, runID, id, model.StatusRunning,
			", started_at = ?, worker_id = ?", now, workerID)
	})
}

// FinishWorkItem moves a work item to its terminal status and records the
// outcome fields of w.
func (s *SQLiteStore) FinishWorkItem(ctx context.Context, w *model.WorkItem) error {
	if !model.IsTerminal(w.Status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, w.Status)
	}
	finished := time.Now().UTC()
	if w.FinishedAt != nil {
		finished = *w.FinishedAt
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return transition(ctx, tx, w.RunID, w.ID, w.Status,
			", worker_id = COALESCE(?, worker_id), output_bytes = ?, error = ?, duration_ms = ?, started_at = COALESCE(started_at, ?), finished_at = ?",
			w.WorkerID, w.OutputBytes, w.Error, w.DurationMS, w.StartedAt, finished)
	})
}

// GetStats returns aggregate statistics over all recorded work items.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		CountByStatus:   make(map[string]int),
		CountByTaskType: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM work_items").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count work items: %w", err)
	}

	for _, q := range []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"task_type", stats.CountByTaskType},
	} {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+q.column+", COUNT(*) FROM work_items GROUP BY "+q.column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", q.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan count by %s: %w", q.column, err)
			}
			q.into[key] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate count by %s: %w", q.column, err)
		}
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM work_items WHERE status = ? AND duration_ms IS NOT NULL",
		model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// InsertProgress appends an intermediate report for a work item.
func (s *SQLiteStore) InsertProgress(ctx context.Context, p *model.ProgressLine) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO progress_lines (run_id, work_item_id, seq, progress, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.RunID, p.WorkItemID, p.Seq, p.Progress, p.Parameters, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	p.CreatedAt = createdAt
	return nil
}

// GetProgress returns the intermediate reports of a work item in sequence order.
func (s *SQLiteStore) GetProgress(ctx context.Context, runID string, workItemID uint64) ([]model.ProgressLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, work_item_id, seq, progress, parameters, created_at
		FROM progress_lines WHERE run_id = ? AND work_item_id = ? ORDER BY seq`,
		runID, workItemID,
	)
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	defer rows.Close()

	lines := []model.ProgressLine{}
	for rows.Next() {
		var p model.ProgressLine
		if err := rows.Scan(&p.ID, &p.RunID, &p.WorkItemID, &p.Seq, &p.Progress, &p.Parameters, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		lines = append(lines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return lines, nil
}
