package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	svc := NewService(st)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	return svc, st
}

// flakyStore fails appends for a given role.
type flakyStore struct {
	store.Store
	failRole model.Role
}

func (f *flakyStore) AppendMessage(ctx context.Context, m *model.Message) error {
	if m.Role == f.failRole {
		return errors.New("database is locked")
	}
	return f.Store.AppendMessage(ctx, m)
}

func TestService_Create(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, "v1", "  Steel  ", "")
	require.NoError(t, err)
	assert.Equal(t, "Steel", c.Title)
	assert.Equal(t, model.ConversationGeneral, c.Category)

	_, err = svc.Create(ctx, "v1", "x", "gossip")
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestService_AppendValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, "v1", "t", "")
	require.NoError(t, err)

	err = svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: "system", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidRole)

	err = svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "  "})
	assert.ErrorIs(t, err, ErrEmptyContent)

	err = svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, Content: "hello"})
	assert.ErrorIs(t, err, ErrAssistantFirst)

	require.NoError(t, svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "hi"}))
	require.NoError(t, svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, Content: "hello"}))

	err = svc.Append(ctx, &model.Message{ConversationID: "missing", Role: model.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_StateLoadedFromStore(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	c := &model.Conversation{Title: "earlier"}
	require.NoError(t, st.CreateConversation(ctx, c))
	require.NoError(t, st.AppendMessage(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "hi"}))

	require.NoError(t, svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, Content: "hello"}))
}

func TestService_RecordTurn_CategoryWriteOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, "v1", "t", "")
	require.NoError(t, err)

	meta := json.RawMessage(`{"intent":"portfolio_overview"}`)
	require.NoError(t, svc.RecordTurn(ctx, Turn{
		ConversationID: c.ID,
		User:           model.Message{Content: "show my portfolio"},
		Assistant:      model.Message{Content: "Here is your portfolio", Metadata: meta},
		Category:       model.ConversationRisk,
	}))
	require.NoError(t, svc.RecordTurn(ctx, Turn{
		ConversationID: c.ID,
		User:           model.Message{Content: "steel outlook"},
		Assistant:      model.Message{Content: "Steel is firm"},
		Category:       model.ConversationResearch,
	}))

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationRisk, got.Category)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, got.Messages[1].Role)
	assert.JSONEq(t, string(meta), string(got.Messages[1].Metadata))
}

func TestService_RecordTurn_GeneralFirstAnswerStaysGeneral(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, "v1", "t", "")
	require.NoError(t, err)

	require.NoError(t, svc.RecordTurn(ctx, Turn{
		ConversationID: c.ID,
		User:           model.Message{Content: "hello"},
		Assistant:      model.Message{Content: "Hi!"},
		Category:       model.ConversationGeneral,
	}))
	require.NoError(t, svc.RecordTurn(ctx, Turn{
		ConversationID: c.ID,
		User:           model.Message{Content: "show my suppliers"},
		Assistant:      model.Message{Content: "..."},
		Category:       model.ConversationSuppliers,
	}))

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationGeneral, got.Category)
}

func TestService_RecordTurn_ExplicitCategoryKept(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, "v1", "t", model.ConversationResearch)
	require.NoError(t, err)

	require.NoError(t, svc.RecordTurn(ctx, Turn{
		ConversationID: c.ID,
		User:           model.Message{Content: "show my suppliers"},
		Assistant:      model.Message{Content: "..."},
		Category:       model.ConversationSuppliers,
	}))
	got, _ := svc.Get(ctx, c.ID)
	assert.Equal(t, model.ConversationResearch, got.Category)

	_, err = svc.SetCategory(ctx, c.ID, model.ConversationRisk)
	assert.ErrorIs(t, err, ErrCategoryLocked)

	_, err = svc.SetCategory(ctx, c.ID, "gossip")
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestService_SetCategory_WriteOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	labeled, err := svc.Create(ctx, "v1", "t", "")
	require.NoError(t, err)
	require.NoError(t, svc.RecordTurn(ctx, Turn{
		ConversationID: labeled.ID,
		User:           model.Message{Content: "show my suppliers"},
		Assistant:      model.Message{Content: "Here they are"},
		Category:       model.ConversationSuppliers,
	}))
	_, err = svc.SetCategory(ctx, labeled.ID, model.ConversationResearch)
	assert.ErrorIs(t, err, ErrCategoryLocked)
	got, err := svc.Get(ctx, labeled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationSuppliers, got.Category)

	open, err := svc.Create(ctx, "v1", "t", "")
	require.NoError(t, err)
	updated, err := svc.SetCategory(ctx, open.ID, model.ConversationRisk)
	require.NoError(t, err)
	assert.Equal(t, model.ConversationRisk, updated.Category)
	_, err = svc.SetCategory(ctx, open.ID, model.ConversationResearch)
	assert.ErrorIs(t, err, ErrCategoryLocked)

	_, err = svc.SetCategory(ctx, "missing", model.ConversationRisk)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_StatesReleased(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, "v1", "t", "")
	require.NoError(t, err)

	require.NoError(t, svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleUser, Content: "hi"}))
	require.NoError(t, svc.Append(ctx, &model.Message{ConversationID: c.ID, Role: model.RoleAssistant, Content: "hello"}))
	for i := range 5 {
		err := svc.Append(ctx, &model.Message{ConversationID: fmt.Sprintf("missing-%d", i), Role: model.RoleUser, Content: "hi"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Empty(t, svc.states)
}

func TestService_RecordTurn_StoreFailure(t *testing.T) {
	_, st := newTestService(t)
	ctx := context.Background()
	c := &model.Conversation{Title: "t"}
	require.NoError(t, st.CreateConversation(ctx, c))

	svc := NewService(&flakyStore{Store: st, failRole: model.RoleAssistant})
	err := svc.RecordTurn(ctx, Turn{
		ConversationID: c.ID,
		User:           model.Message{Content: "hi"},
		Assistant:      model.Message{Content: "hello"},
		Category:       model.ConversationRisk,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append assistant message")

	got, err := st.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.Equal(t, model.ConversationGeneral, got.Category)
}

func TestService_RecordTurn_ConcurrentTurnsStayPaired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	c, err := svc.Create(ctx, "v1", "t", "")
	require.NoError(t, err)

	const turns = 8
	var wg sync.WaitGroup
	for i := range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.RecordTurn(ctx, Turn{
				ConversationID: c.ID,
				User:           model.Message{Content: fmt.Sprintf("q%d", i)},
				Assistant:      model.Message{Content: fmt.Sprintf("a%d", i)},
			}))
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2*turns)
	for i := 0; i < len(got.Messages); i += 2 {
		q, a := got.Messages[i], got.Messages[i+1]
		assert.Equal(t, model.RoleUser, q.Role)
		assert.Equal(t, model.RoleAssistant, a.Role)
		assert.Equal(t, "a"+q.Content[1:], a.Content)
	}
}
