package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.Use(s.metrics.middleware)

	r.HandleFunc("/health", s.HandleHealth).Methods("GET")
	r.HandleFunc("/api/metrics", s.HandleMetrics).Methods("GET")
	r.HandleFunc("/api/swaps", s.HandleListSwaps).Methods("GET")
	r.HandleFunc("/api/targeting/{swapId}", s.HandleTargeting).Methods("GET")
	r.HandleFunc("/api/targeting/read", s.HandleMarkRead).Methods("POST")
	r.HandleFunc("/api/queue", s.HandleQueue).Methods("GET")
	r.HandleFunc("/api/optimistic", s.HandleOptimistic).Methods("GET")
	r.HandleFunc("/api/events/ws", s.HandleEventsWS).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
}
