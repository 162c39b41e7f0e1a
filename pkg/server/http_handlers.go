package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleHealth serves a JSON health snapshot. It runs on the HTTP server's
// goroutine, so it must not touch loop-owned state; the table exposes its
// counts through an atomic snapshot for exactly this caller.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns, online := s.table.Counts()
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    conns,
		"online_users":   online,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
