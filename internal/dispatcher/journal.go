package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/model"
	"github.com/seantiz/taskdirector/internal/store"
)

// Journal records the lifecycle of every work item into a store. Records
// are written by a background goroutine in submission order, so the
// coordinator never waits on the database. A nil Journal records nothing.
type Journal struct {
	store  store.Store
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	pending *queue.Queue
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

// NewJournal starts a journal writing under runID.
func NewJournal(s store.Store, runID string, logger *slog.Logger) *Journal {
	j := &Journal{
		store:   s,
		runID:   runID,
		logger:  logger,
		pending: queue.New(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// RunID identifies the records of this journal.
func (j *Journal) RunID() string { return j.runID }

type journalOp func(ctx context.Context, s store.Store) error

func (j *Journal) submit(op journalOp) bool {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return false
	}
	j.pending.Add(op)
	j.mu.Unlock()

	select {
	case j.notify <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every record submitted before the call is written.
// A nil or closed Journal has nothing to wait for once its writer is done.
func (j *Journal) Flush(ctx context.Context) error {
	if j == nil {
		return nil
	}
	written := make(chan struct{})
	if !j.submit(func(context.Context, store.Store) error {
		close(written)
		return nil
	}) {
		written = j.done
	}
	select {
	case <-written:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		j.mu.Lock()
		if j.pending.Length() == 0 {
			closed := j.closed
			j.mu.Unlock()
			if closed {
				return
			}
			<-j.notify
			continue
		}
		op := j.pending.Remove().(journalOp)
		j.mu.Unlock()

		if err := op(context.Background(), j.store); err != nil {
			j.logger.Error("journal write failed", "run_id", j.runID, "error", err)
		}
	}
}

// Close flushes pending records and stops the writer.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.done
		return
	}
	j.closed = true
	j.mu.Unlock()

	select {
	case j.notify <- struct{}{}:
	default:
	}
	<-j.done
}

func (j *Journal) queued(item *workItem) {
	if j == nil {
		return
	}
	w := &model.WorkItem{
		RunID:        j.runID,
		ID:           item.id,
		TaskTypeName: item.tt.desc.Name,
		Status:       model.StatusQueued,
		PayloadKind:  item.payload.PayloadKind,
		InputBytes:   item.payload.BufferBytes(),
		CreatedAt:    item.enqueuedAt.UTC(),
	}
	j.submit(func(ctx context.Context, s store.Store) error {
		return s.CreateWorkItem(ctx, w)
	})
}

func (j *Journal) started(item *workItem) {
	if j == nil {
		return
	}
	id, workerID := item.id, item.workerID
	j.submit(func(ctx context.Context, s store.Store) error {
		return s.StartWorkItem(ctx, j.runID, id, workerID)
	})
}

func (j *Journal) progress(ev ProgressEvent) {
	if j == nil {
		return
	}
	j.submit(func(ctx context.Context, s store.Store) error {
		var params string
		if len(ev.Parameters) > 0 {
			b, err := json.Marshal(ev.Parameters)
			if err != nil {
				return err
			}
			params = string(b)
		}
		return s.InsertProgress(ctx, &model.ProgressLine{
			RunID:      j.runID,
			WorkItemID: ev.WorkItemID,
			Seq:        ev.Seq,
			Progress:   ev.Progress,
			Parameters: params,
		})
	})
}

func (j *Journal) finished(item *workItem, status string, result *envelope.Envelope, err error) {
	if j == nil {
		return
	}
	now := time.Now().UTC()
	w := &model.WorkItem{
		RunID:      j.runID,
		ID:         item.id,
		Status:     status,
		FinishedAt: &now,
	}
	if !item.startedAt.IsZero() {
		started := item.startedAt.UTC()
		dur := int(now.Sub(started).Milliseconds())
		w.StartedAt = &started
		w.DurationMS = &dur
		workerID := item.workerID
		w.WorkerID = &workerID
	}
	if result != nil {
		n := result.BufferBytes()
		w.OutputBytes = &n
	}
	if err != nil {
		w.Error = err.Error()
	}
	j.submit(func(ctx context.Context, s store.Store) error {
		return s.FinishWorkItem(ctx, w)
	})
}
