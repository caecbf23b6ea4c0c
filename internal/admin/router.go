// Package admin serves the maintenance HTTP API of a cache: usage reports,
// trimming, clearing and per-entry inspection, plus Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/urlcache/internal/cache"
)

// Store is the cache surface the API drives.
type Store interface {
	cache.Maintainer
	Delete(ctx context.Context, id cache.Identity) error
}

type handler struct {
	store Store
	now   func() time.Time
}

// NewRouter returns the admin API. gatherer may be nil to omit /metrics.
func NewRouter(store Store, gatherer prometheus.Gatherer) http.Handler {
	h := &handler{store: store, now: time.Now}

	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)

	r.Get("/healthz", h.health)
	r.Get("/usage", h.usage)
	r.Post("/trim", h.trim)
	r.Route("/entries", func(r chi.Router) {
		r.Delete("/", h.clear)
		r.Get("/{identity}", h.entry)
		r.Delete("/{identity}", h.deleteEntry)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func errorResponse(msg string) errorBody {
	return errorBody{Error: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode admin response: %v", err)
	}
}

// writeError maps cache errors to statuses. Storage details stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cache.ErrInvalidIdentity):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, cache.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
	case errors.Is(err, cache.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("cache closed"))
	default:
		logrus.WithField("request_id", RequestIDFromContext(r.Context())).Errorf("Admin error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) usage(w http.ResponseWriter, r *http.Request) {
	select {
	case report := <-h.store.DiskUsage(r.Context()):
		if report.Err != nil {
			writeError(w, r, report.Err)
			return
		}
		writeJSON(w, http.StatusOK, report.Usage)
	case <-r.Context().Done():
	}
}

type trimResponse struct {
	cache.TrimResult
	Failed int    `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// trim accepts exactly one of size (bytes, "512MB") or before (RFC 3339 time
// or a duration meaning that long ago).
func (h *handler) trim(w http.ResponseWriter, r *http.Request) {
	size := r.URL.Query().Get("size")
	before := r.URL.Query().Get("before")

	var (
		res cache.TrimResult
		err error
	)
	switch {
	case size != "" && before == "":
		n, perr := humanize.ParseBytes(size)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid size: "+perr.Error()))
			return
		}
		res, err = h.store.TrimToSize(r.Context(), int64(n))
	case before != "" && size == "":
		cutoff, perr := h.parseCutoff(before)
		if perr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(perr.Error()))
			return
		}
		res, err = h.store.TrimToDate(r.Context(), cutoff)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse("exactly one of size or before is required"))
		return
	}
	h.writeTrimResult(w, r, res, err)
}

func (h *handler) parseCutoff(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, errors.New("before must be an RFC 3339 time or a positive duration")
	}
	return h.now().Add(-d), nil
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.Clear(r.Context())
	h.writeTrimResult(w, r, res, err)
}

func (h *handler) writeTrimResult(w http.ResponseWriter, r *http.Request, res cache.TrimResult, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, trimResponse{TrimResult: res})
		return
	}
	var partial *cache.PartialError
	if errors.As(err, &partial) {
		logrus.Warnf("Admin %s incomplete: %v", partial.Op, err)
		writeJSON(w, http.StatusInternalServerError, trimResponse{
			TrimResult: res,
			Failed:     len(partial.Failed),
			Error:      "some entries could not be removed",
		})
		return
	}
	writeError(w, r, err)
}

type entryResponse struct {
	Identity   cache.Identity `json:"identity"`
	StatusCode int            `json:"status_code,omitempty"`
	MIMEType   string         `json:"mime_type,omitempty"`
	Category   string         `json:"category"`
	Header     http.Header    `json:"header,omitempty"`
	Size       int64          `json:"size"`
	StoredAt   time.Time      `json:"stored_at"`
	AccessedAt time.Time      `json:"accessed_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

func (h *handler) entry(w http.ResponseWriter, r *http.Request) {
	id, err := cache.ParseIdentity(strings.TrimSpace(chi.URLParam(r, "identity")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := h.store.Entry(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := entryResponse{
		Identity:   e.Identity,
		StatusCode: e.Metadata.StatusCode,
		MIMEType:   e.Metadata.MIMEType,
		Category:   e.Metadata.Category().String(),
		Header:     e.Metadata.Header,
		Size:       e.Size,
		StoredAt:   e.StoredAt,
		AccessedAt: e.AccessedAt,
	}
	if !e.ExpiresAt.IsZero() {
		resp.ExpiresAt = &e.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := cache.ParseIdentity(strings.TrimSpace(chi.URLParam(r, "identity")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
