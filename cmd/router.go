package main

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
)

type backendLister interface {
	Snapshot() []backend.Backend
}

type backendStatus struct {
	Address string `json:"address"`
	Health  string `json:"health"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	Online   int             `json:"online"`
	Backends []backendStatus `json:"backends"`
}

func setupRouter(metricsCollector *metrics.Collector, backends backendLister) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", metricsCollector.PrometheusHandler())
	mux.HandleFunc("GET /stats", metricsCollector.Handler())
	mux.HandleFunc("GET /healthz", healthHandler(backends))

	return mux
}

// healthHandler answers 200 while at least one backend is online.
func healthHandler(backends backendLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}

		for _, b := range backends.Snapshot() {
			if b.Online() {
				resp.Online++
			}
			resp.Backends = append(resp.Backends, backendStatus{
				Address: b.Address(),
				Health:  b.Health.String(),
			})
		}

		status := http.StatusOK
		if resp.Online == 0 {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}
