package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskdirector/internal/dispatcher"
	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/model"
	"github.com/seantiz/taskdirector/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// allRuns as the run_id query value lists records of every run.
	allRuns = "*"
)

// executionResponse is the JSON response for POST /v1/tasks/{name}/executions.
type executionResponse struct {
	WorkItemID uint64             `json:"work_item_id"`
	TaskType   string             `json:"task_type"`
	Status     string             `json:"status"`
	Result     *envelope.Envelope `json:"result,omitempty"`
}

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.WorkItem `json:"executions"`
	Total      int               `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

// handleEnqueue submits a work item. By default it waits for the result;
// with ?async=true it answers 202 as soon as the item is accepted.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	payload, err := s.decodePayload(w, r, envelope.CommandExecute)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ex := s.dispatcher.EnqueueForExecution(name, payload, nil)

	if r.URL.Query().Get("async") == "true" {
		// Unknown task types are rejected before EnqueueForExecution returns.
		select {
		case <-ex.Done():
			if _, err := ex.Result(); errors.Is(err, dispatcher.ErrUnknownTaskType) {
				s.writeDispatchError(w, err)
				return
			}
		default:
		}
		// The record must be readable once the client has the ID.
		if err := s.dispatcher.Journal().Flush(r.Context()); err != nil {
			s.logger.Warn("journal flush failed", "work_item_id", ex.ID, "error", err)
		}
		s.writeJSON(w, http.StatusAccepted, executionResponse{
			WorkItemID: ex.ID,
			TaskType:   name,
			Status:     model.StatusQueued,
		})
		return
	}

	s.longLived(w)
	result, err := ex.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("client left before work item resolved", "work_item_id", ex.ID, "task_type", name)
			return
		}
		s.writeDispatchError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, executionResponse{
		WorkItemID: ex.ID,
		TaskType:   name,
		Status:     model.StatusCompleted,
		Result:     result,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workItemID(w, r)
	if !ok {
		return
	}

	item, err := s.store.GetWorkItem(r.Context(), s.queryRunID(r), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "work item not found")
		return
	}
	if err != nil {
		s.logger.Error("get work item", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get work item")
		return
	}

	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.ListFilter{
		RunID:    s.queryRunID(r),
		TaskType: r.URL.Query().Get("task_type"),
		Status:   r.URL.Query().Get("status"),
	}
	if filter.RunID == allRuns {
		filter.RunID = ""
	}

	items, total, err := s.store.ListWorkItems(r.Context(), filter, limit, offset)
	if err != nil {
		s.logger.Error("list work items", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list work items")
		return
	}

	if items == nil {
		items = []*model.WorkItem{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: items,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

// workItemID parses the {id} URL parameter, answering 400 when it is not a
// work item id.
func (s *Server) workItemID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid work item id")
		return 0, false
	}
	return id, true
}

// queryRunID returns the run_id query parameter, defaulting to this run.
func (s *Server) queryRunID(r *http.Request) string {
	if v := r.URL.Query().Get("run_id"); v != "" {
		return v
	}
	return s.runID
}
