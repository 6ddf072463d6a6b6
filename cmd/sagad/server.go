package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortressi/orchestrate"
)

// server is the daemon's HTTP surface over the coordinator.
type server struct {
	coord    *orchestrate.Coordinator
	registry *orchestrate.StepRegistry
	plans    map[string]*orchestrate.Plan
	prom     *prometheus.Registry
	logger   *slog.Logger
}

func newServer(coord *orchestrate.Coordinator, registry *orchestrate.StepRegistry, plans map[string]*orchestrate.Plan, prom *prometheus.Registry, logger *slog.Logger) *server {
	return &server{coord: coord, registry: registry, plans: plans, prom: prom, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sagas", s.handleSubmit)
	mux.HandleFunc("GET /v1/sagas/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/sagas/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	return mux
}

// submitRequest's plan is either the name of a preconfigured plan or an
// explicit ordered list of registered step names.
type submitRequest struct {
	Plan   json.RawMessage `json:"plan"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (s *server) resolvePlan(raw json.RawMessage) (*orchestrate.Plan, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		plan, ok := s.plans[name]
		if !ok {
			return nil, fmt.Errorf("unknown plan %q", name)
		}
		return plan, nil
	}

	var steps []string
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("plan must be a plan name or a list of step names")
	}
	return orchestrate.NewPlanFromRecord(orchestrate.PlanRecord{Name: "ad-hoc", Steps: steps}, s.registry)
}

type submitResponse struct {
	SagaID string `json:"saga_id"`
}

type statusResponse struct {
	SagaID  string                 `json:"saga_id"`
	Status  string                 `json:"status"`
	Entries []orchestrate.LogEntry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	plan, err := s.resolvePlan(req.Plan)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sagaID, err := s.coord.Submit(r.Context(), plan, req.Params)
	if err != nil {
		if errors.Is(err, orchestrate.ErrCoordinatorClosed) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("submit failed", "plan", plan.Name(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{SagaID: sagaID})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sagaID := r.PathValue("id")
	view, err := s.coord.Status(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, orchestrate.ErrSagaNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		s.logger.Error("status failed", "saga_id", sagaID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	entries := view.Entries
	if entries == nil {
		entries = []orchestrate.LogEntry{}
	}
	writeJSON(w, http.StatusOK, statusResponse{SagaID: view.SagaID, Status: view.Status, Entries: entries})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sagaID := r.PathValue("id")
	if err := s.coord.Cancel(sagaID); err != nil {
		if errors.Is(err, orchestrate.ErrSagaNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
