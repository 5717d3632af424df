package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// startStatusListener serves a read-only HTTP status surface on a loopback
// address for monitoring. It exposes nothing that mutates daemon state; all
// sandbox operations stay on the socket. Caller holds s.mu.
func (s *Server) startStatusListener() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"uptime_ms": s.Uptime().Milliseconds(),
			"workers":   s.pool.Stats().Total,
		})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		st := s.pool.Stats()
		writeJSON(w, map[string]any{
			"total":     st.Total,
			"available": st.Available,
			"in_use":    st.InUse,
		})
	})

	srv := &http.Server{Addr: s.cfg.StatusAddr, Handler: r}
	s.httpSrv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("status listener stopped", "error", err)
		}
	}()
	s.logger.Info("status endpoint listening", "addr", s.cfg.StatusAddr)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
