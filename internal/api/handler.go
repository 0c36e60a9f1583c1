package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/chatcore/internal/catalog"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/httputil"
	"github.com/felipepmaragno/chatcore/internal/quota"
	"github.com/felipepmaragno/chatcore/internal/session"
)

const Version = "0.1.0"

// ModelResolver lists the models available to a credential.
type ModelResolver interface {
	Resolve(ctx context.Context, credential string, opts catalog.ResolveOptions) ([]domain.ModelDescriptor, error)
}

type QuotaFetcher interface {
	Fetch(ctx context.Context, credential string) (*quota.Snapshot, error)
}

// CredentialProvider supplies the upstream token when the local request
// carries none.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

type HandlerConfig struct {
	Sessions     *session.Coordinator
	Models       ModelResolver
	Quota        QuotaFetcher
	QuotaMonitor *quota.Monitor
	Credentials  CredentialProvider
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	sessions     *session.Coordinator
	models       ModelResolver
	quota        QuotaFetcher
	monitor      *quota.Monitor
	credentials  CredentialProvider
	checkers     []HealthChecker
	checkTimeout time.Duration
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.CheckTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	h := &Handler{
		sessions:     cfg.Sessions,
		models:       cfg.Models,
		quota:        cfg.Quota,
		monitor:      cfg.QuotaMonitor,
		credentials:  cfg.Credentials,
		checkers:     cfg.Checkers,
		checkTimeout: timeout,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/conversations", h.handleCreateConversation)
	h.mux.HandleFunc("GET /v1/conversations", h.handleListConversations)
	h.mux.HandleFunc("GET /v1/conversations/{id}", h.handleGetConversation)
	h.mux.HandleFunc("DELETE /v1/conversations/{id}", h.handleDeleteConversation)
	h.mux.HandleFunc("POST /v1/conversations/{id}/messages", h.handleSend)
	h.mux.HandleFunc("POST /v1/conversations/{id}/stop", h.handleStopConversation)
	h.mux.HandleFunc("POST /v1/compare", h.handleCompare)
	h.mux.HandleFunc("POST /v1/stop", h.handleStopAll)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/quota", h.handleQuota)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	h.mux.ServeHTTP(w, r)
}

type createConversationRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

type sendRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

type compareRequest struct {
	Prompt string         `json:"prompt"`
	Left   session.Target `json:"left"`
	Right  session.Target `json:"right"`
}

// turnEvent is the SSE payload for one accepted state change.
type turnEvent struct {
	ConversationID string      `json:"conversation_id"`
	Generation     uint64      `json:"generation"`
	State          string      `json:"state"`
	Turn           domain.Turn `json:"turn"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.sessions.CreateConversation(r.Context(), session.CreateRequest{
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.sessions.Conversations(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.sessions.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	credential, err := h.credential(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sse := newSSEWriter(w)
	result, err := h.sessions.Send(ctx, session.SendRequest{
		ConversationID: r.PathValue("id"),
		Prompt:         req.Prompt,
		Model:          req.Model,
		Credential:     credential,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	}, sse.turnEvent)
	if err != nil {
		if !sse.started() {
			writeDomainError(w, err)
			return
		}
		sse.send("error", map[string]string{"message": err.Error()})
		return
	}

	sse.send("result", result)
	slog.Info("turn finished",
		"conversation_id", result.ConversationID,
		"generation", result.Generation,
		"state", result.State,
		"request_id", w.Header().Get("X-Request-ID"),
	)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	credential, err := h.credential(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sse := newSSEWriter(w)
	results, err := h.sessions.Compare(ctx, session.CompareRequest{
		Prompt:     req.Prompt,
		Left:       req.Left,
		Right:      req.Right,
		Credential: credential,
	}, sse.turnEvent)
	if err != nil && !sse.started() {
		writeDomainError(w, err)
		return
	}
	if err != nil {
		sse.send("error", map[string]string{"message": err.Error()})
	}
	sse.send("result", results)
}

func (h *Handler) handleStopConversation(w http.ResponseWriter, r *http.Request) {
	stopped := h.sessions.StopConversation(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *Handler) handleStopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"stopped": h.sessions.Stop()})
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	credential, err := h.credential(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	models, err := h.models.Resolve(r.Context(), credential, catalog.ResolveOptions{
		ForceRefresh: r.URL.Query().Get("refresh") == "true",
	})
	if err != nil {
		slog.Warn("failed to resolve models", "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	if h.quota == nil {
		writeError(w, http.StatusNotFound, "quota endpoints not configured")
		return
	}

	credential, err := h.credential(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	snap, err := h.quota.Fetch(r.Context(), credential)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{"snapshot": snap}
	if h.monitor != nil {
		if alert := h.monitor.Check(r.Context(), "default", snap); alert != nil {
			resp["alert"] = alert
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// credential prefers the local request's bearer token.
func (h *Handler) credential(r *http.Request) (string, error) {
	if token := httputil.BearerToken(r.Header.Get("Authorization")); token != "" {
		return token, nil
	}
	if h.credentials == nil {
		return "", domain.ErrMissingCredential
	}
	return h.credentials.Credential(r.Context())
}

// sseWriter serializes events from concurrent turns onto one response.
// Headers are written with the first event, so errors raised before any
// event can still get a plain JSON status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	opened bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *sseWriter) turnEvent(e session.Event) {
	s.send("turn", turnEvent{
		ConversationID: e.ConversationID,
		Generation:     e.Generation,
		State:          string(e.State),
		Turn:           e.Turn,
	})
}

func (s *sseWriter) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "event", event, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.opened = true
	}

	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDomainError(w http.ResponseWriter, err error) {
	var ue *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrConversationBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrMissingCredential):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &ue):
		msg := strings.TrimSpace(ue.Message)
		if msg == "" {
			msg = ue.Error()
		}
		writeError(w, http.StatusBadGateway, msg)
	case errors.Is(err, domain.ErrTransient), errors.Is(err, domain.ErrCircuitBreakerOpen):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
