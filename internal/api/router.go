package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the HTTP routes. API routes are registered with full paths
// on the root router so a method mismatch is answered with 405.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/anpr/sighting", h.SightingHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/zones", h.ZonesHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/trips/{id}", h.TripHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/owners/{id}/transactions", h.TransactionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/sweep", h.SweepHandler).Methods(http.MethodPost)

	return r
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"success": false, "message": "Method not allowed."})
}
