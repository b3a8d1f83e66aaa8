package api

import "net/http"

// healthResponse summarises the live pools. Sessions are counted by state
// across every task type.
type healthResponse struct {
	Status    string         `json:"status"`
	TaskTypes int            `json:"task_types"`
	Sessions  map[string]int `json:"sessions"`
	Queued    int            `json:"queued"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: make(map[string]int)}
	for _, info := range s.dispatcher.Snapshot() {
		resp.TaskTypes++
		resp.Queued += info.Queued
		for state, n := range info.Sessions {
			resp.Sessions[state] += n
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
