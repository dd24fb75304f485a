package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/moltq/moltq/internal/engine"
	"github.com/moltq/moltq/internal/model"
	"github.com/moltq/moltq/internal/scheduler"
)

const maxBodySize = 1 << 20 // 1 MB

// submitTaskRequest is the JSON body for POST /v1/tasks.
type submitTaskRequest struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

// submitTaskResponse acknowledges an accepted task.
type submitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// submitBatchRequest is the JSON body for POST /v1/tasks/batch.
type submitBatchRequest struct {
	Prompts     []string `json:"prompts"`
	Model       string   `json:"model"`
	Priority    int      `json:"priority"`
	Concurrency int      `json:"concurrency"`
}

type submitBatchResponse struct {
	TaskIDs []string `json:"task_ids"`
}

// waitTaskRequest is the JSON body for POST /v1/tasks/{id}/wait.
type waitTaskRequest struct {
	TimeoutS int `json:"timeout_s"`
}

type cancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.framework.Submit(req.Prompt, req.Model, req.Priority)
	var verr *scheduler.ValidationError
	if errors.As(err, &verr) {
		s.writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	if err != nil {
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitTaskResponse{TaskID: id, Status: model.StatusQueued})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Prompts) == 0 {
		s.writeError(w, http.StatusBadRequest, "prompts is empty")
		return
	}

	ids, err := s.framework.SubmitBatch(req.Prompts, req.Model, req.Priority, req.Concurrency)
	var verr *scheduler.ValidationError
	if errors.As(err, &verr) {
		s.writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	if err != nil {
		s.logger.Error("submit batch", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit batch")
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitBatchResponse{TaskIDs: ids})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	tasks := s.framework.ListTasks(status)
	if tasks == nil {
		tasks = []*model.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.framework.GetResult(id)
	if errors.Is(err, engine.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.writeJSON(w, http.StatusOK, cancelTaskResponse{Cancelled: s.framework.Cancel(id)})
}

func (s *Server) handleWaitTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req waitTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	timeout := time.Duration(req.TimeoutS) * time.Second

	t, err := s.framework.Wait(r.Context(), id, timeout)
	if errors.Is(err, engine.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if errors.Is(err, engine.ErrWaitTimeout) {
		s.writeError(w, http.StatusRequestTimeout, "task did not finish in time")
		return
	}
	if err != nil {
		s.logger.Error("wait task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to wait for task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

// writeJSON encodes v as the response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
