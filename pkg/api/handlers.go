package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rubiojr/swapsync/pkg/swapsync"
)

// HandleHealth answers 503 while the service is degraded so load balancers
// and scripts can use the status code alone.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.svc.GetHealthCheck()
	status := http.StatusOK
	if health.Status != swapsync.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.GetMetrics())
}

func (s *Server) HandleListSwaps(w http.ResponseWriter, r *http.Request) {
	store := s.svc.Store()
	ids := store.SwapIDs()
	s.writeJSON(w, http.StatusOK, SwapsResponse{
		Swaps:       ids,
		Count:       len(ids),
		UnreadCount: store.GetUnreadCount(),
	})
}

func (s *Server) HandleTargeting(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["swapId"]
	st, ok := s.svc.Store().GetTargeting(swapID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Swap not found", fmt.Sprintf("No targeting state for swap '%s'", swapID))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.svc.Store().MarkRead()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleQueue(w http.ResponseWriter, r *http.Request) {
	q := s.svc.Queue()
	s.writeJSON(w, http.StatusOK, QueueResponse{
		Messages: q.Messages(),
		Stats:    q.Stats(),
	})
}

func (s *Server) HandleOptimistic(w http.ResponseWriter, r *http.Request) {
	c := s.svc.Coordinator()
	s.writeJSON(w, http.StatusOK, OptimisticResponse{
		Pending: c.Records(),
		Failed:  c.Failed(),
		Stats:   c.Stats(),
	})
}
