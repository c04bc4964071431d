// Package conversation serializes writes to the conversation store: one
// writer per conversation, no assistant message before a user message, and a
// category that is labeled once from the first answered intent.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/store"
)

var (
	ErrInvalidRole     = eris.New("conversation: role must be user or assistant")
	ErrEmptyContent    = eris.New("conversation: message content is empty")
	ErrAssistantFirst  = eris.New("conversation: assistant message before any user message")
	ErrInvalidCategory = eris.New("conversation: unknown category")
	// ErrCategoryLocked is the store's sentinel; a labeled conversation keeps
	// its category.
	ErrCategoryLocked = store.ErrCategoryLocked
)

// state is the in-memory view of one conversation. It lives only while some
// call holds or waits on it and is reloaded from the store afterwards.
type state struct {
	mu         sync.Mutex
	refs       int
	loaded     bool
	hasUser    bool
	assistants int
	category   model.ConversationCategory
}

// Service wraps a store with per-conversation locking.
type Service struct {
	store store.Store

	mu     sync.Mutex
	states map[string]*state
	now    func() time.Time
}

// NewService creates a service over st.
func NewService(st store.Store) *Service {
	return &Service{
		store:  st,
		states: make(map[string]*state),
		now:    time.Now,
	}
}

// acquire returns the locked state for id.
func (s *Service) acquire(id string) *state {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		st = &state{}
		s.states[id] = st
	}
	st.refs++
	s.mu.Unlock()

	st.mu.Lock()
	return st
}

// release unlocks st and forgets it once no caller is waiting.
func (s *Service) release(id string, st *state) {
	st.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	st.refs--
	if st.refs == 0 {
		delete(s.states, id)
	}
}

// loadLocked fills st from the store the first time a conversation is touched.
func (s *Service) loadLocked(ctx context.Context, id string, st *state) error {
	if st.loaded {
		return nil
	}
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	st.category = c.Category
	for _, m := range c.Messages {
		switch m.Role {
		case model.RoleUser:
			st.hasUser = true
		case model.RoleAssistant:
			st.assistants++
		}
	}
	st.loaded = true
	return nil
}

// Create opens a conversation. An empty category means general.
func (s *Service) Create(ctx context.Context, visitorID, title string, category model.ConversationCategory) (*model.Conversation, error) {
	if category == "" {
		category = model.ConversationGeneral
	}
	if !category.Valid() {
		return nil, eris.Wrapf(ErrInvalidCategory, "%q", category)
	}
	c := &model.Conversation{
		VisitorID: visitorID,
		Title:     strings.TrimSpace(title),
		Category:  category,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a conversation with its ordered messages.
func (s *Service) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List returns conversations newest first.
func (s *Service) List(ctx context.Context, filter store.ConversationFilter) ([]model.Conversation, error) {
	return s.store.ListConversations(ctx, filter)
}

// Append persists one message under the conversation's lock.
func (s *Service) Append(ctx context.Context, m *model.Message) error {
	if !m.Role.Valid() {
		return eris.Wrapf(ErrInvalidRole, "%q", m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}

	st := s.acquire(m.ConversationID)
	defer s.release(m.ConversationID, st)
	if err := s.loadLocked(ctx, m.ConversationID, st); err != nil {
		return err
	}
	return s.appendLocked(ctx, st, m)
}

func (s *Service) appendLocked(ctx context.Context, st *state, m *model.Message) error {
	if m.Role == model.RoleAssistant && !st.hasUser {
		return ErrAssistantFirst
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return err
	}
	if m.Role == model.RoleUser {
		st.hasUser = true
	} else {
		st.assistants++
	}
	return nil
}

// SetCategory labels a conversation that is still general. Once labeled,
// by the first assistant reply or an earlier call, it returns
// ErrCategoryLocked.
func (s *Service) SetCategory(ctx context.Context, id string, category model.ConversationCategory) (*model.Conversation, error) {
	if !category.Valid() {
		return nil, eris.Wrapf(ErrInvalidCategory, "%q", category)
	}
	st := s.acquire(id)
	defer s.release(id, st)

	if err := s.loadLocked(ctx, id, st); err != nil {
		return nil, err
	}
	if st.category != model.ConversationGeneral {
		return nil, eris.Wrapf(ErrCategoryLocked, "conversation: %s is %s", id, st.category)
	}

	c, err := s.store.UpdateConversationCategory(ctx, id, category)
	if err != nil {
		return nil, err
	}
	st.category = category
	return c, nil
}

// Turn is one user utterance and the assistant reply it produced.
type Turn struct {
	ConversationID string
	User           model.Message
	Assistant      model.Message
	// Category is the label derived from the reply's intent.
	Category model.ConversationCategory
}

// RecordTurn persists the user message, then the assistant message, and
// labels the conversation on its first assistant reply when it still carries
// the default category. Store failures are logged at Warn and returned; the
// caller's response is not affected.
func (s *Service) RecordTurn(ctx context.Context, t Turn) error {
	log := zap.L().With(zap.String("conversation_id", t.ConversationID))

	st := s.acquire(t.ConversationID)
	defer s.release(t.ConversationID, st)

	warn := func(op string, err error) error {
		log.Warn("conversation: store unavailable", zap.String("op", op), zap.Error(err))
		return eris.Wrapf(err, "conversation: %s", op)
	}

	if err := s.loadLocked(ctx, t.ConversationID, st); err != nil {
		return warn("load", err)
	}

	now := s.now().UTC()
	user := t.User
	user.ConversationID, user.Role = t.ConversationID, model.RoleUser
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if err := s.appendLocked(ctx, st, &user); err != nil {
		return warn("append user message", err)
	}

	reply := t.Assistant
	reply.ConversationID, reply.Role = t.ConversationID, model.RoleAssistant
	if reply.CreatedAt.IsZero() || reply.CreatedAt.Before(user.CreatedAt) {
		reply.CreatedAt = user.CreatedAt
	}
	first := st.assistants == 0
	if err := s.appendLocked(ctx, st, &reply); err != nil {
		return warn("append assistant message", err)
	}

	if first && st.category == model.ConversationGeneral && t.Category.Valid() && t.Category != model.ConversationGeneral {
		if _, err := s.store.UpdateConversationCategory(ctx, t.ConversationID, t.Category); err != nil {
			return warn("label category", err)
		}
		st.category = t.Category
		log.Debug("conversation: labeled", zap.String("category", string(t.Category)))
	}
	return nil
}
