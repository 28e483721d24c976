// Package httpx carries the HTTP plumbing shared by the backend, orchestrator
// and auth servers: router construction with the common middleware stack,
// JSON encode/decode helpers and the single place where error kinds map to
// status codes.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/steamwatch/steamwatch/internal/apperr"
	"github.com/steamwatch/steamwatch/internal/logging"
)

// maxBodyBytes bounds request bodies; batch package posts stay well under this.
const maxBodyBytes = 4 << 20

// NewRouter builds a chi mux with the middleware stack every service shares.
// Origins may be nil, in which case all origins are allowed.
func NewRouter(logger *slog.Logger, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	return r
}

// JSON writes v as a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NoContent writes an empty 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Decode reads the request body into v, rejecting unknown fields and
// oversized payloads.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validationf("decode body: %v", err)
	}
	return nil
}

// Pagination bounds list queries. Page is 1-based.
type Pagination struct {
	Page int64
	Size int64
}

// ParsePagination reads the page and size query params. Sizes above maxSize
// are rejected rather than clamped, so a client asking for more than it can
// get finds out.
func ParsePagination(r *http.Request, defaultSize, maxSize int64) (Pagination, error) {
	p := Pagination{Page: 1, Size: defaultSize}
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			return p, apperr.Validationf("page must be a positive integer, got %q", raw)
		}
		p.Page = n
	}
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			return p, apperr.Validationf("size must be a positive integer, got %q", raw)
		}
		if n > maxSize {
			return p, apperr.Validationf("size must be at most %d, got %d", maxSize, n)
		}
		p.Size = n
	}
	return p, nil
}

// Error translates err into an HTTP response. Every handler funnels failures
// through here so status mapping lives in exactly one place.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	JSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity
	}
	var ae *apperr.AuthenticationError
	if errors.As(err, &ae) {
		return http.StatusUnauthorized
	}
	var nf *apperr.NotFound
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	var cf *apperr.Conflict
	if errors.As(err, &cf) {
		return http.StatusConflict
	}
	var rl *apperr.RateLimited
	if errors.As(err, &rl) {
		return http.StatusTooManyRequests
	}
	if apperr.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	var ce *apperr.APIClientError
	if errors.As(err, &ce) {
		// Collaborator failures surface as bad gateway, not our own 4xx.
		if ce.Status >= 500 {
			return http.StatusBadGateway
		}
		return ce.Status
	}
	return http.StatusInternalServerError
}

// Serve runs srv until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down, draining in-flight requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
