package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/taskdirector/internal/dispatcher"
	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/model"
)

func TestEnqueueSync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	registerTask(t, ts, dispatcher.Descriptor{Name: "echo", MaxParallelExecutions: 1})

	var res executionResponse
	code := do(t, ts, "POST", "/v1/tasks/echo/executions", map[string]any{
		"payload_kind": "mesh",
		"parameters":   map[string]any{"vertices": envelope.BufferRef("v"), "label": "cube"},
		"buffers":      []envelope.Buffer{{Name: "v", Bytes: []byte{1, 2, 3, 4}}},
	}, &res)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if res.Status != model.StatusCompleted || res.TaskType != "echo" || res.WorkItemID == 0 {
		t.Errorf("response = %+v", res)
	}
	if res.Result == nil {
		t.Fatal("response has no result")
	}
	if res.Result.WorkItemID != res.WorkItemID || res.Result.PayloadKind != "mesh" {
		t.Errorf("result = %+v", res.Result)
	}
	if b, ok := res.Result.Buffer("v"); !ok || len(b) != 4 {
		t.Errorf("result buffers = %v", res.Result.Buffers)
	}
	if res.Result.Param("label") != "cube" {
		t.Errorf("label = %q", res.Result.Param("label"))
	}

	item := waitStatus(t, srv, res.WorkItemID, model.StatusCompleted)
	if item.InputBytes != 4 || item.PayloadKind != "mesh" {
		t.Errorf("journaled = %+v", item)
	}
}

func TestEnqueueErrors(t *testing.T) {
	srv := newTestServer(t)
	srv.hold.open()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	registerTask(t, ts, dispatcher.Descriptor{Name: "hold", MaxParallelExecutions: 1})
	registerTask(t, ts, dispatcher.Descriptor{Name: "ghost", Entry: "no-such-entry", MaxParallelExecutions: 1})

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown task", "/v1/tasks/missing/executions", nil, http.StatusNotFound},
		{"unknown task async", "/v1/tasks/missing/executions?async=true", nil, http.StatusNotFound},
		{"execution failure", "/v1/tasks/hold/executions", map[string]any{"parameters": map[string]any{"fail": "bad mesh"}}, http.StatusUnprocessableEntity},
		{"init failure", "/v1/tasks/ghost/executions", nil, http.StatusBadGateway},
		{"unreferenced buffer", "/v1/tasks/hold/executions", map[string]any{"buffers": []envelope.Buffer{{Name: "x", Bytes: []byte{1}}}}, http.StatusBadRequest},
		{"malformed data payload", "/v1/tasks/hold/executions", map[string]any{"payload_kind": envelope.KindData, "parameters": map[string]any{"$buffers": "mesh"}}, http.StatusBadRequest},
		{"data buffer outside the buffer table", "/v1/tasks/hold/executions", map[string]any{
			"payload_kind": envelope.KindData,
			"parameters":   map[string]any{"mesh": envelope.BufferRef("x")},
			"buffers":      []envelope.Buffer{{Name: "x", Bytes: []byte{1}}},
		}, http.StatusBadRequest},
		{"not an object", "/v1/tasks/hold/executions", []int{1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			if code := do(t, ts, "POST", tt.path, tt.body, &body); code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
			if body["error"] == nil {
				t.Errorf("response %v has no error", body)
			}
		})
	}
}

func TestEnqueueAsync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	registerTask(t, ts, dispatcher.Descriptor{Name: "hold", MaxParallelExecutions: 1})

	var res executionResponse
	if code := do(t, ts, "POST", "/v1/tasks/hold/executions?async=true", nil, &res); code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if res.Status != model.StatusQueued || res.Result != nil {
		t.Errorf("response = %+v", res)
	}

	var early model.WorkItem
	path := fmt.Sprintf("/v1/executions/%d", res.WorkItemID)
	if code := do(t, ts, "GET", path, nil, &early); code != http.StatusOK {
		t.Fatalf("GET %s right after 202: status %d", path, code)
	}

	waitStatus(t, srv, res.WorkItemID, model.StatusRunning)
	srv.hold.open()
	item := waitStatus(t, srv, res.WorkItemID, model.StatusCompleted)
	if item.WorkerID == nil || *item.WorkerID != 1 {
		t.Errorf("worker = %v, want 1", item.WorkerID)
	}

	var got model.WorkItem
	if code := do(t, ts, "GET", path, nil, &got); code != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, code)
	}
	if got.Status != model.StatusCompleted || got.TaskTypeName != "hold" {
		t.Errorf("GET %s = %+v", path, got)
	}
}

func TestGetExecutionErrors(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for path, want := range map[string]int{
		"/v1/executions/abc":          http.StatusBadRequest,
		"/v1/executions/0":            http.StatusBadRequest,
		"/v1/executions/42":           http.StatusNotFound,
		"/v1/executions/42?run_id=xx": http.StatusNotFound,
	} {
		if code := do(t, ts, "GET", path, nil, nil); code != want {
			t.Errorf("GET %s = %d, want %d", path, code, want)
		}
	}
}

func TestListExecutions(t *testing.T) {
	srv := newTestServer(t)
	srv.hold.open()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	registerTask(t, ts, dispatcher.Descriptor{Name: "echo", MaxParallelExecutions: 1})
	registerTask(t, ts, dispatcher.Descriptor{Name: "hold", MaxParallelExecutions: 1})

	var ids []uint64
	for _, path := range []string{
		"/v1/tasks/echo/executions",
		"/v1/tasks/echo/executions",
		"/v1/tasks/hold/executions",
	} {
		var res executionResponse
		if code := do(t, ts, "POST", path, nil, &res); code != http.StatusOK {
			t.Fatalf("POST %s: status %d", path, code)
		}
		ids = append(ids, res.WorkItemID)
	}
	if code := do(t, ts, "POST", "/v1/tasks/hold/executions", map[string]any{"parameters": map[string]any{"fail": "x"}}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("failing execution: status %d", code)
	}
	for _, id := range ids {
		waitStatus(t, srv, id, model.StatusCompleted)
	}

	tests := []struct {
		query string
		total int
		rows  int
	}{
		{"", 4, 4},
		{"?task_type=echo", 2, 2},
		{"?task_type=hold&status=failed", 1, 1},
		{"?status=completed&limit=1", 3, 1},
		{"?status=completed&limit=2&offset=2", 3, 1},
		{"?run_id=other", 0, 0},
		{"?run_id=*", 4, 4},
	}
	for _, tt := range tests {
		body := pollExecutions(t, ts, tt.query, tt.total)
		if len(body.Executions) != tt.rows {
			t.Errorf("GET /v1/executions%s returned %d rows, want %d", tt.query, len(body.Executions), tt.rows)
		}
	}
}

// pollExecutions lists executions until total matches, since journal writes
// land asynchronously.
func pollExecutions(t *testing.T, ts *httptest.Server, query string, total int) listExecutionsResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var body listExecutionsResponse
		if code := do(t, ts, "GET", "/v1/executions"+query, nil, &body); code != http.StatusOK {
			t.Fatalf("GET /v1/executions%s: status %d", query, code)
		}
		if body.Executions == nil {
			t.Fatalf("GET /v1/executions%s: executions = nil, want array", query)
		}
		if body.Total == total {
			return body
		}
		if time.Now().After(deadline) {
			t.Fatalf("GET /v1/executions%s total = %d, want %d", query, body.Total, total)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
