package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/abi-engine/internal/engine"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/store"
)

type createConversationRequest struct {
	VisitorID string                     `json:"visitorId"`
	Title     string                     `json:"title"`
	Category  model.ConversationCategory `json:"category"`
}

type conversationSummary struct {
	ID        string                     `json:"id"`
	Title     string                     `json:"title"`
	Category  model.ConversationCategory `json:"category"`
	CreatedAt time.Time                  `json:"createdAt"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	visitor := strings.TrimSpace(req.VisitorID)
	if visitor == "" {
		visitor = visitorID(r.Context())
	}
	c, err := s.deps.Conversations.Create(r.Context(), visitor, req.Title, req.Category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationSummary{
		ID:        c.ID,
		Title:     c.Title,
		Category:  c.Category,
		CreatedAt: c.CreatedAt,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Conversations.List(r.Context(), store.ConversationFilter{
		VisitorID: visitorID(r.Context()),
		Limit:     parseInt(q.Get("limit"), 0),
		Offset:    parseInt(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePatchConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category model.ConversationCategory `json:"category"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.deps.Conversations.SetCategory(r.Context(), chi.URLParam(r, "id"), req.Category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type appendMessageRequest struct {
	ConversationID string          `json:"conversationId"`
	Role           model.Role      `json:"role"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req appendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeErrorMessage(w, http.StatusBadRequest, "bad_input", "conversationId is required")
		return
	}
	m := &model.Message{
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
		Metadata:       req.Metadata,
	}
	if err := s.deps.Conversations.Append(r.Context(), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": m.ID})
}

// handleChat runs one turn. When the request names a conversation and
// carries no history, the stored messages are used so the previous intent
// is available to the classifier.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.UserID = visitorID(r.Context())
	if req.CreditsAvailable == nil && s.deps.Ledger != nil {
		balance := s.deps.Ledger.Balance(req.UserID)
		req.CreditsAvailable = &balance
	}
	if req.ConversationID != "" && req.History == nil {
		c, err := s.deps.Conversations.Get(r.Context(), req.ConversationID)
		if err != nil {
			writeError(w, err)
			return
		}
		req.History = c.Messages
	}

	resp := s.deps.Engine.SendMessage(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	var req engine.ExpandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.JobID != "" {
		if _, err := s.ownedJob(r, req.JobID); err != nil {
			writeError(w, err)
			return
		}
	}
	res := s.deps.Engine.ExpandArtifact(r.Context(), req)
	status := http.StatusOK
	if res.Error != nil {
		status = statusForKind(res.Error.Kind)
	}
	writeJSON(w, status, res)
}

// statusForKind maps a response error kind onto an HTTP status for
// endpoints whose payload carries the error itself.
func statusForKind(k model.ErrorKind) int {
	switch k {
	case model.ErrBadInput:
		return http.StatusBadRequest
	case model.ErrRestrictedLeak:
		return http.StatusForbidden
	case model.ErrRetrievalTransient, model.ErrCancelled, model.ErrApprovalUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrRetrievalFatal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
