// Package httpapi serves the conversation, chat, research, and approval
// endpoints over JSON, with cookie sessions and double-submit CSRF.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/config"
	"github.com/sells-group/abi-engine/internal/conversation"
	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/engine"
	"github.com/sells-group/abi-engine/internal/research"
	"github.com/sells-group/abi-engine/internal/resilience"
	"github.com/sells-group/abi-engine/internal/store"
)

const maxBodyBytes = 1 << 20

var (
	errBadJSON  = eris.New("httpapi: malformed JSON body")
	errNotOwner = eris.New("httpapi: resource belongs to another visitor")
	errNoQuery  = eris.New("httpapi: query is required")
)

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Engine        *engine.Engine
	Conversations *conversation.Service
	Research      *research.Manager
	Approvals     *credit.Approvals
	Ledger        *credit.Ledger

	// Store and Breakers feed /health. Both optional.
	Store    store.Store
	Breakers *resilience.Breakers
}

// Server holds the handlers. Use NewServer to get the routed handler.
type Server struct {
	deps     Deps
	cfg      config.ServerConfig
	signer   cookieSigner
	upgrader websocket.Upgrader
}

// NewServer wires the router.
func NewServer(cfg config.ServerConfig, d Deps) http.Handler {
	s := &Server{
		deps:     d,
		cfg:      cfg,
		signer:   cookieSigner{secret: []byte(cfg.CookieSecret)},
		upgrader: newUpgrader(cfg.AllowedOrigins),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", csrfHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.sessions)
		r.Use(csrf)

		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Patch("/conversations/{id}", s.handlePatchConversation)
		r.Post("/messages", s.handleAppendMessage)

		r.Post("/chat", s.handleChat)
		r.Post("/artifacts", s.handleArtifact)

		r.Route("/research/{jobId}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/confirm", s.handleConfirmJob)
			r.Get("/stream", s.handleStreamJob)
			r.Post("/cancel", s.handleCancelJob)
			r.Post("/retry", s.handleRetryJob)
		})

		r.Post("/expert-calls", s.handleRequestExpertCall)

		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{id}/approve", s.handleApprove)
		r.Post("/approvals/{id}/reject", s.handleReject)
	})
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("httpapi: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			zap.L().Warn("httpapi: store ping failed", zap.Error(err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	payload := map[string]any{"status": status}
	if s.deps.Breakers != nil {
		payload["sources"] = s.deps.Breakers.States()
	}
	writeJSON(w, code, payload)
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("httpapi: internal error", zap.Error(err))
		msg = "internal error"
	}
	writeErrorMessage(w, status, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, errNotOwner),
		errors.Is(err, research.ErrUnknownJob),
		errors.Is(err, credit.ErrUnknownRequest):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errBadJSON),
		errors.Is(err, errNoQuery),
		errors.Is(err, conversation.ErrInvalidRole),
		errors.Is(err, conversation.ErrEmptyContent),
		errors.Is(err, conversation.ErrInvalidCategory),
		errors.Is(err, research.ErrEmptyQuery):
		return http.StatusBadRequest, "bad_input"
	case errors.Is(err, research.ErrMissingAnswers):
		return http.StatusUnprocessableEntity, "missing_answers"
	case errors.Is(err, conversation.ErrAssistantFirst),
		errors.Is(err, store.ErrCategoryLocked),
		errors.Is(err, research.ErrInvalidTransition),
		errors.Is(err, research.ErrAwaitingApproval),
		errors.Is(err, research.ErrAlreadyRunning),
		errors.Is(err, credit.ErrNotPending):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	}
	return http.StatusInternalServerError, "internal"
}

// decodeBody reads a JSON body into dst. An empty body decodes as {}.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return eris.Wrap(errBadJSON, err.Error())
	}
	if len(strings.TrimSpace(string(blob))) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		return eris.Wrap(errBadJSON, err.Error())
	}
	return nil
}

func parseInt(value string, def int) int {
	if strings.TrimSpace(value) == "" {
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return v
}
