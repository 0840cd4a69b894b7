// Package handler contains the chi HTTP handlers of the operational API.
// Booking and payment are served elsewhere; this surface only observes and
// triggers the expiry worker.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/expiry"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/logx"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/model"
	"github.com/Shivanand-hulikatti/escape-room-reservations/internal/service"
)

// Service is what the handlers need from service.ReservationService.
type Service interface {
	RunSweep(ctx context.Context) (model.Summary, error)
	LastSummary() (model.Summary, bool)
	SweepRunning() bool
	PreviewExpired(ctx context.Context) ([]model.Reservation, error)
	Inconsistencies(ctx context.Context) ([]model.Inconsistency, error)
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
}

// WorkerStatus reports the embedded worker, if any.
type WorkerStatus interface {
	Running() bool
	Next() time.Time
}

// OpsHandler holds the HTTP handlers of the ops API.
type OpsHandler struct {
	svc    Service
	worker WorkerStatus
	log    logx.Logger
}

// NewOpsHandler constructs an OpsHandler. worker may be nil when the process
// runs without an embedded worker.
func NewOpsHandler(svc Service, worker WorkerStatus, log logx.Logger) *OpsHandler {
	return &OpsHandler{svc: svc, worker: worker, log: log.With(logx.String("comp", "http"))}
}

// Routes builds the router. metrics serves /metrics and may be nil.
func (h *OpsHandler) Routes(metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(h.log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/sweeps", func(r chi.Router) {
		r.Post("/", h.RunSweep)
		r.Get("/last", h.LastSweep)
		r.Get("/preview", h.Preview)
	})
	r.Get("/slots/inconsistencies", h.Inconsistencies)

	r.Get("/reservations/{id}", h.GetReservation)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

type healthResponse struct {
	Status        string     `json:"status"`
	Worker        string     `json:"worker"`
	NextSweep     *time.Time `json:"next_sweep,omitempty"`
	SweepRunning  bool       `json:"sweep_running"`
	LastSweepAt   *time.Time `json:"last_sweep_at,omitempty"`
	LastSweepFail int        `json:"last_sweep_failed"`
}

// Health handles GET /health.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Worker: "disabled", SweepRunning: h.svc.SweepRunning()}
	if h.worker != nil {
		resp.Worker = "stopped"
		if h.worker.Running() {
			resp.Worker = "running"
			next := h.worker.Next()
			resp.NextSweep = &next
		}
	}
	if last, ok := h.svc.LastSummary(); ok {
		at := last.StartedAt
		resp.LastSweepAt = &at
		resp.LastSweepFail = last.Failed
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunSweep handles POST /sweeps. It runs the sweep on a context detached from
// the request so a disconnecting client does not abort cancellations.
func (h *OpsHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.RunSweep(context.WithoutCancel(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, expiry.ErrSweepInProgress):
			writeError(w, http.StatusConflict, "a sweep is already running")
		case errors.Is(err, expiry.ErrSelectorFailure):
			writeError(w, http.StatusServiceUnavailable, "could not select expired reservations")
		default:
			writeError(w, http.StatusInternalServerError, "sweep failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// LastSweep handles GET /sweeps/last.
func (h *OpsHandler) LastSweep(w http.ResponseWriter, r *http.Request) {
	sum, ok := h.svc.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no sweep has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Preview handles GET /sweeps/preview.
func (h *OpsHandler) Preview(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.PreviewExpired(r.Context())
	if err != nil {
		h.log.Error("preview failed", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "could not select expired reservations")
		return
	}
	if list == nil {
		list = []model.Reservation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Inconsistencies handles GET /slots/inconsistencies.
func (h *OpsHandler) Inconsistencies(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Inconsistencies(r.Context())
	if err != nil {
		h.log.Error("consistency check failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to check slots")
		return
	}
	if list == nil {
		list = []model.Inconsistency{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetReservation handles GET /reservations/{id}.
func (h *OpsHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "reservation not found")
		default:
			h.log.Error("get reservation failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "failed to get reservation")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}
