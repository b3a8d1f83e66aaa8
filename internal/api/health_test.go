package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/taskdirector/internal/dispatcher"
)

func TestHealthzEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body healthResponse
	if code := do(t, ts, "GET", "/healthz", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Status != "ok" || body.TaskTypes != 0 || body.Queued != 0 || len(body.Sessions) != 0 {
		t.Errorf("health = %+v, want ok with nothing registered", body)
	}
}

func TestHealthzCountsSessions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	registerTask(t, ts, dispatcher.Descriptor{Name: "hold", MaxParallelExecutions: 1})
	registerTask(t, ts, dispatcher.Descriptor{Name: "echo", MaxParallelExecutions: 2})
	if code := do(t, ts, "POST", "/v1/tasks/echo/init", nil, nil); code != http.StatusOK {
		t.Fatalf("init echo status = %d", code)
	}

	// One held item occupies the only hold session, the second waits.
	do(t, ts, "POST", "/v1/tasks/hold/executions?async=true", nil, nil)
	do(t, ts, "POST", "/v1/tasks/hold/executions?async=true", nil, nil)

	deadline := time.Now().Add(5 * time.Second)
	var body healthResponse
	for {
		do(t, ts, "GET", "/healthz", nil, &body)
		if body.Sessions["busy"] == 1 && body.Queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health = %+v, want 1 busy and 1 queued", body)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if body.TaskTypes != 2 {
		t.Errorf("task_types = %d, want 2", body.TaskTypes)
	}
	if body.Sessions["idle"] != 2 {
		t.Errorf("idle sessions = %d, want the 2 echo sessions", body.Sessions["idle"])
	}
}

func TestMetricsExposeHTTPSeries(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	do(t, ts, "GET", "/healthz", nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	raw, _ := io.ReadAll(resp.Body)
	for _, series := range []string{
		`taskdirector_http_requests_total{method="GET",path="/healthz",status="200"}`,
		"taskdirector_http_request_duration_seconds",
		"taskdirector_http_requests_in_flight",
	} {
		if !strings.Contains(string(raw), series) {
			t.Errorf("metrics output missing %s", series)
		}
	}
}
