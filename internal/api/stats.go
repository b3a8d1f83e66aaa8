package api

import "net/http"

// statsResponse combines the journaled history of all runs with the live
// load of the current dispatcher.
type statsResponse struct {
	Total         int                  `json:"total"`
	ByStatus      map[string]int       `json:"by_status"`
	ByTaskType    map[string]int       `json:"by_task_type"`
	AvgDurationMS float64              `json:"avg_duration_ms"`
	Live          map[string]liveStats `json:"live"`
}

type liveStats struct {
	Busy   int `json:"busy"`
	Queued int `json:"queued"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get work item stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	live := make(map[string]liveStats)
	for _, info := range s.dispatcher.Snapshot() {
		live[info.Descriptor.Name] = liveStats{Busy: info.Busy(), Queued: info.Queued}
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByTaskType:    stats.CountByTaskType,
		AvgDurationMS: stats.AvgDurationMS,
		Live:          live,
	})
}
