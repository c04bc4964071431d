// Package store persists conversations and their message logs.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/abi-engine/internal/model"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = eris.New("store: conversation not found")
	// ErrCategoryLocked is returned when a conversation already carries a
	// category other than general.
	ErrCategoryLocked = eris.New("store: conversation category already set")
)

// ConversationFilter specifies criteria for listing conversations.
type ConversationFilter struct {
	VisitorID string `json:"visitorId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// Store is the durable conversation log. Messages are append-only and read
// back in insertion order.
type Store interface {
	CreateConversation(ctx context.Context, c *model.Conversation) error
	// GetConversation returns the conversation with its ordered messages.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListConversations returns conversations newest first, without messages.
	ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error)
	// UpdateConversationCategory labels a conversation that is still general.
	// A conversation with any other category yields ErrCategoryLocked.
	UpdateConversationCategory(ctx context.Context, id string, category model.ConversationCategory) (*model.Conversation, error)
	AppendMessage(ctx context.Context, m *model.Message) error

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 || n > 500 {
		return defaultListLimit
	}
	return n
}

// prepareConversation fills the id, timestamps, and default category.
func prepareConversation(c *model.Conversation) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Category == "" {
		c.Category = model.ConversationGeneral
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
}

func prepareMessage(m *model.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}
