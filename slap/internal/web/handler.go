// Package web serves the latest snapshot over HTTP.
//
// Every handler only reads the snapshot store. Nothing here calls the
// browser, so response latency does not depend on capture progress.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/slap/kit"
	"github.com/hazyhaar/slap/observability"
	"github.com/hazyhaar/slap/shield"
	"github.com/hazyhaar/slap/slap/internal/snapshot"
)

// Config controls the HTTP surface.
type Config struct {
	Title      string
	Refresh    int           // seconds for meta refresh, 0 = none
	RetryAfter time.Duration // advertised on 503, usually the capture cadence
	RateLimit  float64       // requests/s per client IP, 0 = off
	RateBurst  int
	TrustProxy bool // take the client IP from X-Forwarded-For / X-Real-IP
	Metrics    *observability.Metrics // nil = no /metrics and no instrumentation
	Logger     *slog.Logger
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Snapshot  string    `json:"snapshot,omitempty"`
	AgeMS     int64     `json:"age_ms,omitempty"`
}

// Handler serves the snapshot page and its companion endpoints.
type Handler struct {
	store   *snapshot.Store
	cfg     Config
	limiter *shield.RateLimiter
	now     func() time.Time
}

// New creates a Handler reading from store.
func New(store *snapshot.Store, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Title == "" {
		cfg.Title = "slap"
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	return &Handler{
		store:   store,
		cfg:     cfg,
		limiter: shield.NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst, "/healthz", "/readyz", "/metrics"),
		now:     time.Now,
	}
}

// StartGC prunes idle rate-limit buckets until done is closed. It reports
// whether a collector was started; a disabled limiter needs none.
func (h *Handler) StartGC(done <-chan struct{}) bool {
	if !h.limiter.Enabled() {
		return false
	}
	h.limiter.StartGC(done)
	return true
}

// Router returns the chi router with every route and middleware mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if h.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}
	r.Use(h.limiter.Middleware)

	r.Get("/", h.instrument("index", h.Index))
	r.Get("/snapshot", h.instrument("snapshot", h.Raw))
	r.Get("/healthz", h.instrument("healthz", h.Healthz))
	r.Get("/readyz", h.instrument("readyz", h.Readyz))
	if h.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.cfg.Metrics.Handler())
	}
	return r
}

func (h *Handler) instrument(name string, fn http.HandlerFunc) http.HandlerFunc {
	if h.cfg.Metrics == nil {
		return fn
	}
	return h.cfg.Metrics.Instrument(name, fn).ServeHTTP
}

// Index serves the HTML page embedding the latest snapshot as a data URI,
// or 503 before the first capture.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	d := pageData{Title: h.cfg.Title, Refresh: h.cfg.Refresh}
	s, ok := h.store.Read()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if !ok {
		h.logger(r).Debug("web: no snapshot yet", "path", r.URL.Path)
		h.retryAfter(w)
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		d.Image = dataURI(s)
		snapshotHeaders(w, s)
		w.WriteHeader(http.StatusOK)
	}
	if err := renderPage(w, d); err != nil {
		h.logger(r).Warn("web: render page", "error", err)
	}
}

// Raw serves the latest snapshot bytes with their own content type.
func (h *Handler) Raw(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store.Read()
	w.Header().Set("Cache-Control", "no-store")
	if !ok {
		h.logger(r).Debug("web: no snapshot yet", "path", r.URL.Path)
		h.retryAfter(w)
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	snapshotHeaders(w, s)
	w.Header().Set("Content-Type", s.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(s.Size()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(s.Data); err != nil {
		h.logger(r).Debug("web: write snapshot", "id", s.ID, "error", err)
	}
}

// Healthz reports liveness. It does not depend on the capture loop.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: h.now()})
}

// Readyz reports ready once a snapshot exists.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	s, ok := h.store.Read()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "not_ready",
			Timestamp: now,
			Reason:    "no snapshot captured yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ready",
		Timestamp: now,
		Snapshot:  s.ID,
		AgeMS:     s.Age(now).Milliseconds(),
	})
}

// logger returns the handler logger tagged with the request's trace ID and
// client address.
func (h *Handler) logger(r *http.Request) *slog.Logger {
	ctx := r.Context()
	return h.cfg.Logger.With(
		"trace_id", kit.GetTraceID(ctx),
		"remote_addr", kit.GetRemoteAddr(ctx),
	)
}

func (h *Handler) retryAfter(w http.ResponseWriter) {
	secs := int((h.cfg.RetryAfter + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func snapshotHeaders(w http.ResponseWriter, s *snapshot.Snapshot) {
	if s.ID != "" {
		w.Header().Set("X-Snapshot-ID", s.ID)
	}
	if !s.CapturedAt.IsZero() {
		w.Header().Set("Last-Modified", s.CapturedAt.UTC().Format(http.TimeFormat))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
