package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/logging"
	"github.com/septivank/anpr-toll-worker/internal/metrics"
	"github.com/septivank/anpr-toll-worker/internal/service"
	"github.com/septivank/anpr-toll-worker/internal/store"
	"github.com/septivank/anpr-toll-worker/internal/sweep"
	"github.com/septivank/anpr-toll-worker/internal/validator"
	"go.uber.org/zap"
)

const maxBodyBytes = 16 << 20

// Ingester processes camera sightings
type Ingester interface {
	ProcessSighting(ctx context.Context, requestID string, req validator.SightingRequest) (service.SightingResult, error)
}

// Reader is the read side exposed over HTTP
type Reader interface {
	ListZones(ctx context.Context) ([]db.TollZone, error)
	GetTrip(ctx context.Context, id uuid.UUID) (*db.Trip, error)
	ListTransactions(ctx context.Context, ownerID uuid.UUID) ([]db.Transaction, error)
}

// Sweeper runs one reconciliation pass on demand
type Sweeper interface {
	RunOnce(ctx context.Context) (sweep.Report, error)
}

// Handler serves the camera and operator endpoints
type Handler struct {
	ingest  Ingester
	reader  Reader
	sweeper Sweeper
	logger  *zap.Logger
}

// NewHandler creates a handler
func NewHandler(ingest Ingester, reader Reader, sweeper Sweeper, logger *zap.Logger) *Handler {
	return &Handler{ingest: ingest, reader: reader, sweeper: sweeper, logger: logger}
}

// HealthCheckHandler reports liveness
func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SightingHandler accepts one camera frame
func (h *Handler) SightingHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/anpr/sighting"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req validator.SightingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Missing data.", "POST", endpoint)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	result, err := h.ingest.ProcessSighting(r.Context(), requestID, req)
	if err != nil {
		h.respondDomainError(w, err, requestID, "POST", endpoint)
		return
	}

	metrics.HTTPRequestsTotal.WithLabelValues("POST", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, result)
}

// ZonesHandler lists the configured toll zones
func (h *Handler) ZonesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/zones"
	zones, err := h.reader.ListZones(r.Context())
	if err != nil {
		h.logger.Error("failed to list toll zones", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch zones.", "GET", endpoint)
		return
	}
	if zones == nil {
		zones = []db.TollZone{}
	}

	metrics.HTTPRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "zones": zones})
}

// TripHandler returns one trip
func (h *Handler) TripHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/trips/{id}"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid trip id.", "GET", endpoint)
		return
	}

	trip, err := h.reader.GetTrip(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "Trip not found.", "GET", endpoint)
			return
		}
		h.logger.Error("failed to load trip", zap.Error(err), zap.String("trip_id", id.String()))
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch trip.", "GET", endpoint)
		return
	}

	metrics.HTTPRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, trip)
}

// TransactionsHandler returns an owner's ledger entries, newest first
func (h *Handler) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/owners/{id}/transactions"
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid owner id.", "GET", endpoint)
		return
	}

	txns, err := h.reader.ListTransactions(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list transactions", zap.Error(err), zap.String("owner_id", id.String()))
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch transactions.", "GET", endpoint)
		return
	}
	if txns == nil {
		txns = []db.Transaction{}
	}

	metrics.HTTPRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "transactions": txns})
}

// SweepHandler runs a reconciliation pass immediately
func (h *Handler) SweepHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/sweep"
	timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	report, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Sweep failed.", "POST", endpoint)
		return
	}

	metrics.HTTPRequestsTotal.WithLabelValues("POST", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": report})
}

// respondDomainError maps the error taxonomy onto HTTP statuses
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, requestID, method, endpoint string) {
	logger := logging.WithRequestID(h.logger, requestID)

	var (
		validation domain.ValidationError
		notFound   domain.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		h.respondError(w, http.StatusBadRequest, validation.Msg, method, endpoint)
	case errors.As(err, &notFound):
		h.respondError(w, http.StatusNotFound, notFound.Error(), method, endpoint)
	case domain.IsUpstream(err):
		logger.Warn("upstream dependency failed", zap.Error(err))
		h.respondError(w, http.StatusBadGateway, err.Error(), method, endpoint)
	default:
		logger.Error("sighting failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, err.Error(), method, endpoint)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, map[string]interface{}{"success": false, "message": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
