package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/me/stridek/internal/kernel"
	"github.com/me/stridek/internal/store"
	"github.com/me/stridek/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testServer returns a server over an in-memory store holding one run,
// run_1, with three dispatches and one exit.
func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if err := st.CreateRun(ctx, &model.Run{ID: "run_1", BigStride: 65536, Tasks: 2, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	events := []model.DispatchEvent{
		{RunID: "run_1", Seq: 1, PID: 1, Name: "a", Pass: 4096, Priority: 16},
		{RunID: "run_1", Seq: 2, PID: 2, Name: "b", Pass: 8192, Priority: 8},
		{RunID: "run_1", Seq: 3, PID: 1, Name: "a", Stride: 4096, Pass: 4096, Priority: 16},
	}
	if err := st.RecordDispatches(ctx, events); err != nil {
		t.Fatalf("RecordDispatches: %v", err)
	}
	if err := st.RecordExit(ctx, model.ExitEvent{RunID: "run_1", PID: 2, Name: "b", Syscalls: map[int]uint32{93: 1}}); err != nil {
		t.Fatalf("RecordExit: %v", err)
	}
	return New(st, testLogger(), opts...)
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Timestamp  string            `json:"timestamp"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func doGet(t *testing.T, srv *Server, path string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d, body=%s", path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}

	var data struct {
		Name      string `json:"name"`
		Endpoints []struct {
			Path string `json:"path"`
		} `json:"endpoints"`
	}
	json.Unmarshal(env.Data, &data)
	if data.Name != "stridek API" {
		t.Errorf("name = %q, want stridek API", data.Name)
	}
	if len(data.Endpoints) != 7 {
		t.Errorf("endpoints count = %d, want 7", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/health", http.StatusOK)

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.Store != "ok" {
		t.Errorf("health = %+v", data)
	}
	if data.LiveRun != "" {
		t.Errorf("live_run = %q, want empty without a kernel", data.LiveRun)
	}
}

func TestListRuns(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/", http.StatusOK)
	if env.Pagination == nil || env.Pagination.Total != 1 {
		t.Fatalf("pagination = %+v, want total 1", env.Pagination)
	}
	var runs []model.Run
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 1 || runs[0].ID != "run_1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestListRuns_BadLimit(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/?limit=many", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %+v, want VALIDATION_ERROR", env.Error)
	}
}

func TestGetRun(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/run_1", http.StatusOK)
	var run model.Run
	json.Unmarshal(env.Data, &run)
	if run.ID != "run_1" || run.BigStride != 65536 {
		t.Errorf("run = %+v", run)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/run_nope", http.StatusNotFound)
	if env.Status != "error" || env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("envelope = %+v", env)
	}
	doGet(t, srv, "/api/v1/runs/run_nope/dispatches", http.StatusNotFound)
}

func TestListDispatches_Paginated(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/run_1/dispatches?limit=2", http.StatusOK)
	if env.Pagination == nil || env.Pagination.Total != 3 || !env.Pagination.HasMore {
		t.Fatalf("pagination = %+v", env.Pagination)
	}
	var events []model.DispatchEvent
	json.Unmarshal(env.Data, &events)
	if len(events) != 2 || events[0].Seq != 1 || events[1].Name != "b" {
		t.Errorf("events = %+v", events)
	}
}

func TestListExits(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/run_1/exits", http.StatusOK)
	var exits []model.ExitEvent
	json.Unmarshal(env.Data, &exits)
	if len(exits) != 1 || exits[0].Name != "b" || exits[0].Syscalls[93] != 1 {
		t.Errorf("exits = %+v", exits)
	}
}

func TestTaskShares(t *testing.T) {
	srv := testServer(t)
	env := doGet(t, srv, "/api/v1/runs/run_1/shares", http.StatusOK)
	var shares []model.TaskShare
	json.Unmarshal(env.Data, &shares)
	if len(shares) != 2 {
		t.Fatalf("shares = %+v", shares)
	}
	if shares[0].Name != "a" || shares[0].Dispatches != 2 {
		t.Errorf("shares[0] = %+v", shares[0])
	}
}

type fakeKernel struct{}

func (fakeKernel) ID() string { return "run_live" }

func (fakeKernel) Tasks() []kernel.TaskSummary {
	return []kernel.TaskSummary{{PID: 1, Name: "spin", Status: model.TaskStatusReady, Priority: 16}}
}

func TestLiveTasks(t *testing.T) {
	doGet(t, testServer(t), "/api/v1/live/tasks", http.StatusNotFound)

	srv := testServer(t, WithLiveKernel(fakeKernel{}))
	env := doGet(t, srv, "/api/v1/live/tasks", http.StatusOK)
	var tasks []kernel.TaskSummary
	json.Unmarshal(env.Data, &tasks)
	if len(tasks) != 1 || tasks[0].Name != "spin" || tasks[0].Status != model.TaskStatusReady {
		t.Errorf("tasks = %+v", tasks)
	}

	env = doGet(t, srv, "/api/v1/health", http.StatusOK)
	var health healthResponse
	json.Unmarshal(env.Data, &health)
	if health.LiveRun != "run_live" {
		t.Errorf("live_run = %q, want run_live", health.LiveRun)
	}
}
