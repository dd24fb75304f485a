package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moltq/moltq/internal/model"
	"github.com/moltq/moltq/internal/scheduler"
)

// registerModelRequest is the JSON body for POST /v1/models.
type registerModelRequest struct {
	Name           string  `json:"name"`
	Capability     string  `json:"capability"`
	APIKey         string  `json:"api_key"`
	BaseURL        string  `json:"base_url"`
	Weight         int     `json:"weight"`
	Cost           float64 `json:"cost"`
	MaxConcurrency int     `json:"max_concurrency"`
}

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var req registerModelRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	p := model.Provider{
		Name:           req.Name,
		Capability:     req.Capability,
		APIKey:         req.APIKey,
		BaseURL:        req.BaseURL,
		Weight:         req.Weight,
		Cost:           req.Cost,
		MaxConcurrency: req.MaxConcurrency,
	}
	if err := s.framework.RegisterModel(r.Context(), p); err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("register model", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to register model")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	models := s.framework.ListModels()
	if models == nil {
		models = []model.Provider{}
	}
	s.writeJSON(w, http.StatusOK, models)
}
