package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/taskdirector/internal/model"
	"github.com/seantiz/taskdirector/internal/store"
)

// handleStreamProgress streams the intermediate reports of a work item as
// server-sent events until it resolves.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workItemID(w, r)
	if !ok {
		return
	}

	item, err := s.store.GetWorkItem(r.Context(), s.runID, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "work item not found")
		return
	}
	if err != nil {
		s.logger.Error("get work item for progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get work item")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(item.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.longLived(w)
	progressStreams.Inc()
	defer progressStreams.Dec()

	// A work item that resolved after the status check has a closed topic,
	// so the loop below ends at once.
	ch, unsub := s.dispatcher.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode progress event", "work_item_id", id, "error", err)
				continue
			}
			if err := writeSSEData(w, data); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// progressHistoryLine is a single persisted report in the history response.
type progressHistoryLine struct {
	Seq        int             `json:"seq"`
	Progress   float64         `json:"progress"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// progressHistoryResponse is the JSON response for
// GET /v1/executions/{id}/progress/history.
type progressHistoryResponse struct {
	WorkItemID uint64                `json:"work_item_id"`
	Lines      []progressHistoryLine `json:"lines"`
}

func (s *Server) handleGetProgressHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.workItemID(w, r)
	if !ok {
		return
	}
	runID := s.queryRunID(r)

	_, err := s.store.GetWorkItem(r.Context(), runID, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "work item not found")
		return
	}
	if err != nil {
		s.logger.Error("get work item for progress history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get work item")
		return
	}

	stored, err := s.store.GetProgress(r.Context(), runID, id)
	if err != nil {
		s.logger.Error("get progress lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get progress")
		return
	}

	lines := make([]progressHistoryLine, len(stored))
	for i, l := range stored {
		lines[i] = progressHistoryLine{
			Seq:       l.Seq,
			Progress:  l.Progress,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
		if l.Parameters != "" {
			lines[i].Parameters = json.RawMessage(l.Parameters)
		}
	}

	s.writeJSON(w, http.StatusOK, progressHistoryResponse{
		WorkItemID: id,
		Lines:      lines,
	})
}

// writeSSEData writes one JSON document as an SSE data event.
func writeSSEData(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
