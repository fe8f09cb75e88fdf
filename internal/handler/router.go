package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// NewRouter registers every route of the API
func NewRouter(h *Handler, checks map[string]HealthCheck, gatherer prometheus.Gatherer, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", h.Health(checks)).Methods("GET")

	api := r.PathPrefix("/").Subrouter()
	api.Use(middleware.Logging(h.log), middleware.Metrics(m))
	api.HandleFunc("/loans", h.CreateLoan).Methods("POST")
	api.HandleFunc("/loans", h.ListLoans).Methods("GET")
	api.HandleFunc("/loans/{id}", h.GetLoan).Methods("GET")
	api.HandleFunc("/loans/{id}", h.DeleteLoan).Methods("DELETE")
	api.HandleFunc("/loans/{id}", h.CreateLoanVariant).Methods("POST")
	api.HandleFunc("/loans/{id}/{variantId}", h.DeleteLoanVariant).Methods("DELETE")
	api.HandleFunc("/rates", h.ListRates).Methods("GET")
	api.HandleFunc("/rates", h.UpsertRate).Methods("POST")
	api.HandleFunc("/queries", h.StartQuery).Methods("POST")
	api.HandleFunc("/queries/{id}", h.ShowQuery).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	})
	return r
}

// Health runs every check with a short timeout
func (h *Handler) Health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				h.log.WithError(err).Warnf("Health check %s failed", name)
				report[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		h.writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": report})
	}
}
