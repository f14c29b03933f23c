package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
)

// SessionInfo is the status API's view of one active session. Only fields
// the worker publishes atomically (or never mutates) are exposed.
type SessionInfo struct {
	Nonce       string    `json:"nonce"`
	Remote      string    `json:"remote"`
	File        string    `json:"file"`
	TotalSegs   uint32    `json:"total_segs"`
	SentBytes   uint64    `json:"sent_bytes"`
	Retransmits uint64    `json:"retransmits"`
	StartedAt   time.Time `json:"started_at"`
}

// Sessions returns a snapshot of the active sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, SessionInfo{
			Nonce:       sess.nonce.String(),
			Remote:      sess.remote.String(),
			File:        sess.name,
			TotalSegs:   sess.entry.TotalSegs,
			SentBytes:   atomic.LoadUint64(&sess.entry.SentBytes),
			Retransmits: atomic.LoadUint64(&sess.entry.Retransmits),
			StartedAt:   sess.started,
		})
	}
	return infos
}

// APIHandler returns the HTTP status API of the server.
func APIHandler(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"addr":     s.Addr().String(),
			"dir":      s.cfg.Dir,
			"sessions": len(s.Sessions()),
		})
	})
	r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, s.Sessions())
	})
	return r
}

// writeJSON writes a json object on a http.ResponseWriter with the given
// code.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(err)
	}
}
