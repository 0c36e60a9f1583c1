package api

import (
	"net/http"
	"time"

	"github.com/felipepmaragno/chatcore/internal/session"
	"github.com/felipepmaragno/chatcore/internal/usage"
)

type CatalogCache interface {
	Invalidate()
	FetchedAt() time.Time
}

type BreakerStates interface {
	States() map[string]string
}

type AdminConfig struct {
	Sessions *session.Coordinator
	Usage    usage.Tracker
	Catalog  CatalogCache
	Breakers BreakerStates
}

// AdminHandler serves operational views: usage, breakers, the catalog
// cache and running turns.
type AdminHandler struct {
	sessions *session.Coordinator
	usage    usage.Tracker
	catalog  CatalogCache
	breakers BreakerStates
	now      func() time.Time
	mux      *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		sessions: cfg.Sessions,
		usage:    cfg.Usage,
		catalog:  cfg.Catalog,
		breakers: cfg.Breakers,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/usage", h.getUsage)
	h.mux.HandleFunc("GET /admin/breakers", h.getBreakers)
	h.mux.HandleFunc("GET /admin/catalog", h.getCatalog)
	h.mux.HandleFunc("POST /admin/catalog/invalidate", h.invalidateCatalog)
	h.mux.HandleFunc("GET /admin/turns", h.listActiveTurns)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// getUsage summarizes the window given by ?window= (a Go duration,
// default 24h).
func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusNotFound, "usage tracking not configured")
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	since := h.now().Add(-window)

	summary, err := h.usage.Summary(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":   since.UTC().Format(time.RFC3339),
		"summary": summary,
	})
}

func (h *AdminHandler) getBreakers(w http.ResponseWriter, r *http.Request) {
	states := map[string]string{}
	if h.breakers != nil {
		states = h.breakers.States()
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuit_breakers": states})
}

func (h *AdminHandler) getCatalog(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeError(w, http.StatusNotFound, "catalog not configured")
		return
	}

	resp := map[string]any{"cached": false}
	if at := h.catalog.FetchedAt(); !at.IsZero() {
		resp["cached"] = true
		resp["fetched_at"] = at.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) invalidateCatalog(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeError(w, http.StatusNotFound, "catalog not configured")
		return
	}
	h.catalog.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listActiveTurns(w http.ResponseWriter, r *http.Request) {
	active := h.sessions.Active()
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": active,
		"count":         len(active),
	})
}
