package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgeforge/cdn-orchestrator/internal/config"
	"github.com/edgeforge/cdn-orchestrator/internal/edgefn"
	"github.com/edgeforge/cdn-orchestrator/internal/models"
	"github.com/edgeforge/cdn-orchestrator/internal/service"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

type Server struct {
	cfg     config.Config
	service *service.Service
	store   store.Store
}

func New(cfg config.Config, svc *service.Service, st store.Store) *Server {
	return &Server{cfg: cfg, service: svc, store: st}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Route("/distributions", func(r chi.Router) {
			r.Post("/", s.handleCreateDistribution)
			r.Get("/", s.handleListDistributions)
			r.Get("/{id}", s.handleGetDistribution)
			r.Get("/{id}/status", s.handleGetStatus)
			r.Get("/{id}/history", s.handleListHistory)
			r.Delete("/{id}", s.handleDeleteDistribution)
			r.Post("/{id}/invalidations", s.handleCreateInvalidation)
		})

		r.Route("/origins", func(r chi.Router) {
			r.Post("/", s.handleCreateOrigin)
			r.Get("/", s.handleListOrigins)
			r.Get("/{id}", s.handleGetOrigin)
			r.Put("/{id}", s.handleUpdateOrigin)
			r.Delete("/{id}", s.handleDeleteOrigin)
		})

		r.Post("/edge-functions/preview", s.handlePreviewEdgeFunction)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateDistribution(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDistributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Actor = actorFrom(r.Context())
	d, err := s.service.CreateDistribution(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDistributions(w http.ResponseWriter, r *http.Request) {
	ds, err := s.service.ListDistributions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"distributions": ds})
}

func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.GetDistribution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.GetDistributionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (s *Server) handleDeleteDistribution(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DeleteDistribution(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type invalidationRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handleCreateInvalidation(w http.ResponseWriter, r *http.Request) {
	var req invalidationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.service.CreateInvalidation(r.Context(), chi.URLParam(r, "id"), req.Paths, actorFrom(r.Context()))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"invalidationId": id})
}

func (s *Server) handleCreateOrigin(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOriginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Actor = actorFrom(r.Context())
	o, err := s.service.CreateOrigin(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOrigins(w http.ResponseWriter, r *http.Request) {
	origins, err := s.service.ListOrigins(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"origins": origins})
}

func (s *Server) handleGetOrigin(w http.ResponseWriter, r *http.Request) {
	o, err := s.service.GetOrigin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleUpdateOrigin(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateOriginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := s.service.UpdateOrigin(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeleteOrigin(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteOrigin(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type previewRequest struct {
	Preset              string   `json:"preset"`
	DefaultOriginID     string   `json:"defaultOriginId"`
	AdditionalOriginIDs []string `json:"additionalOriginIds"`
}

// handlePreviewEdgeFunction renders routing code without deploying anything,
// so callers can inspect what a preset resolves to for a given origin set.
func (s *Server) handlePreviewEdgeFunction(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defaultOrigin, err := s.service.GetOrigin(r.Context(), req.DefaultOriginID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	additional := make([]models.Origin, 0, len(req.AdditionalOriginIDs))
	for _, id := range req.AdditionalOriginIDs {
		o, err := s.service.GetOrigin(r.Context(), id)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		additional = append(additional, o)
	}
	generated, err := edgefn.Generate(req.Preset, defaultOrigin, additional)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"preset":  generated.Preset,
		"mapping": generated.Mapping,
		"code":    generated.Code,
	})
}

func respondServiceError(w http.ResponseWriter, err error) {
	var ve *service.ValidationError
	var nf *service.NotFoundError
	var ce *edgefn.ConfigurationError
	switch {
	case errors.As(err, &ve), errors.As(err, &ce):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
