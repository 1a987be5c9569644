package introspect

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler serves:
//
//	GET /snapshot       combined snapshot
//	GET /pools          pool names
//	GET /pools/{name}   one pool, 404 if unknown
//	GET /healthz        liveness
func Handler(c *Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		c.writeJSON(w, http.StatusOK, c.Snapshot())
	})
	r.Get("/pools", func(w http.ResponseWriter, r *http.Request) {
		c.writeJSON(w, http.StatusOK, c.PoolNames())
	})
	r.Get("/pools/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		snap, ok := c.Pool(name)
		if !ok {
			c.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pool " + name})
			return
		}
		c.writeJSON(w, http.StatusOK, snap)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			c.log.WithError(err).Debug("failed to write health check response")
		}
	})
	return r
}

func (c *Collector) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.WithError(err).Warn("failed to encode response")
	}
}
