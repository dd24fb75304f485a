package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/moltq/moltq/internal/api"
	"github.com/moltq/moltq/internal/config"
	"github.com/moltq/moltq/internal/coordinator"
	"github.com/moltq/moltq/internal/dispatch"
)

func newTestServer(t *testing.T) *api.Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	cfg := config.Config{
		Engine: config.EngineConfig{
			MaxWorkers:         2,
			MaxConcurrentTasks: 10,
			TaskTimeout:        5 * time.Second,
			RetryTimes:         2,
			BackoffBase:        10 * time.Millisecond,
			BackoffMax:         50 * time.Millisecond,
			LockLease:          time.Second,
		},
		Providers: config.ProviderConfig{
			DefaultModel:      "gpt-3.5-turbo",
			SelectionStrategy: "load",
			FailureThreshold:  3,
			CooldownBase:      time.Second,
		},
	}

	fw, err := dispatch.New(cfg, nil, coordinator.NewLocal(), logger)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	if err := fw.Start(context.Background()); err != nil {
		t.Fatalf("framework start: %v", err)
	}
	t.Cleanup(fw.Stop)

	return api.NewServer(":0", fw, logger)
}

func doJSON(t *testing.T, srv *api.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"prompt":"hello","priority":10}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sub struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &sub)
	if sub.TaskID == "" || sub.Status != "queued" {
		t.Fatalf("submit response = %+v", sub)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/tasks/"+sub.TaskID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var task struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Model    string `json:"model"`
		Priority int    `json:"priority"`
	}
	decodeBody(t, rec, &task)
	if task.ID != sub.TaskID || task.Status != "queued" {
		t.Errorf("task = %+v", task)
	}
	if task.Model != "gpt-3.5-turbo" {
		t.Errorf("default model not applied: %q", task.Model)
	}
	if task.Priority != 10 {
		t.Errorf("priority = %d", task.Priority)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"prompt":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"prompt":"p","priority":99}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range priority: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", rec.Code)
	}
}

func TestGetUnknownTask(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/tasks/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSubmitBatch(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks/batch", `{"prompts":["a","b","c"],"concurrency":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		TaskIDs []string `json:"task_ids"`
	}
	decodeBody(t, rec, &body)
	if len(body.TaskIDs) != 3 {
		t.Errorf("task_ids = %v", body.TaskIDs)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks/batch", `{"prompts":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d", rec.Code)
	}
}

func TestCancelTask(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"prompt":"hold"}`)
	var sub struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, rec, &sub)

	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks/"+sub.TaskID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	decodeBody(t, rec, &res)
	if !res.Cancelled {
		t.Error("cancelled = false for queued task")
	}

	// Cancelling again is a no-op.
	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks/"+sub.TaskID+"/cancel", "")
	decodeBody(t, rec, &res)
	if res.Cancelled {
		t.Error("second cancel reported cancelled = true")
	}
}

func TestWaitTimesOutOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// No provider is registered, so the task never leaves the queue.
	rec := doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"prompt":"stuck"}`)
	var sub struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, rec, &sub)

	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks/"+sub.TaskID+"/wait", `{"timeout_s":1}`)
	if rec.Code != http.StatusRequestTimeout {
		t.Errorf("wait status = %d, want 408", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/tasks/unknown/wait", `{"timeout_s":1}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("wait unknown: status = %d", rec.Code)
	}
}

func TestRegisterAndListModels(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/models", `{"name":"gpt-4","api_key":"sk-test","weight":5}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/models", `{"name":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var models []struct {
		Name       string `json:"name"`
		Capability string `json:"capability"`
	}
	decodeBody(t, rec, &models)
	if len(models) != 1 || models[0].Name != "gpt-4" {
		t.Fatalf("models = %+v", models)
	}
	if models[0].Capability != "gpt-4" {
		t.Errorf("capability did not default to name: %+v", models[0])
	}

	// The API key must never appear in the listing.
	if strings.Contains(rec.Body.String(), "sk-test") {
		t.Error("api key leaked in model listing")
	}
}

func TestRegisterWebhook(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/webhooks", `{"event":"on_complete","url":"https://example.com/hook"}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/webhooks", `{"event":"on_whatever","url":"https://example.com/hook"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad event: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/webhooks", `{"event":"on_complete"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing url: status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Started bool `json:"started"`
		Models  int  `json:"models"`
	}
	decodeBody(t, rec, &body)
	if !body.Started {
		t.Error("started = false")
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	srv := newTestServer(t)

	doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"prompt":"one"}`)
	doJSON(t, srv, http.MethodPost, "/v1/tasks", `{"prompt":"two"}`)

	rec := doJSON(t, srv, http.MethodGet, "/v1/tasks?status=queued", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var tasks []struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("queued tasks = %d, want 2", len(tasks))
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/tasks?status=succeeded", "")
	decodeBody(t, rec, &tasks)
	if len(tasks) != 0 {
		t.Errorf("succeeded tasks = %d, want 0", len(tasks))
	}
}
