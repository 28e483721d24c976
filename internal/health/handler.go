package health

import (
	"net/http"

	"github.com/steamwatch/steamwatch/internal/httpx"
)

// Handler serves the readiness verdict: 200 while every dependency is healthy
// or degraded, 503 once any is down.
func Handler(t *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall := t.Overall()
		status := http.StatusOK
		if overall == StateDown {
			status = http.StatusServiceUnavailable
		}
		httpx.JSON(w, status, map[string]any{
			"status":       overall,
			"dependencies": t.AllStats(),
		})
	}
}

// Liveness answers 200 as long as the process serves requests at all.
func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
