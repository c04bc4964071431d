package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/abi-engine/internal/db"
	"github.com/sells-group/abi-engine/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to Postgres and returns a store owning the pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	visitor_id TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL DEFAULT 'general',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	seq             BIGINT GENERATED ALWAYS AS IDENTITY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	metadata        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_visitor ON conversations(visitor_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	prepareConversation(c)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, visitor_id, title, category, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.VisitorID, c.Title, string(c.Category), c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert conversation")
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT id, visitor_id, title, category, created_at, updated_at FROM conversations WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get conversation %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get conversation %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, metadata, created_at FROM messages WHERE conversation_id = $1 ORDER BY created_at, seq`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list messages %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.Message
		var role string
		var meta []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		m.Role = model.Role(role)
		if len(meta) > 0 {
			m.Metadata = meta
		}
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate messages")
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	query := `SELECT id, visitor_id, title, category, created_at, updated_at FROM conversations WHERE true`
	args := []any{}
	argIdx := 1

	if filter.VisitorID != "" {
		query += fmt.Sprintf(` AND visitor_id = $%d`, argIdx)
		args = append(args, filter.VisitorID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conversations")
	}
	defer rows.Close()

	out := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan conversation")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate conversations")
}

func (s *PostgresStore) UpdateConversationCategory(ctx context.Context, id string, category model.ConversationCategory) (*model.Conversation, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET category = $1, updated_at = $2 WHERE id = $3 AND category = $4`,
		string(category), time.Now().UTC(), id, string(model.ConversationGeneral),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update category %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetConversation(ctx, id); err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrCategoryLocked, "postgres: update category %s", id)
	}
	return s.GetConversation(ctx, id)
}

// AppendMessage inserts a message and bumps the conversation's updated_at in
// one transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, m *model.Message) error {
	prepareMessage(m)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`,
		m.CreatedAt, m.ConversationID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch conversation %s", m.ConversationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: append message to %s", m.ConversationID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, metadataArg(m.Metadata), m.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert message")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit append")
}

// Import bulk-loads whole conversations with the COPY protocol in one
// transaction and returns the number of rows written. It is used to move a
// local SQLite history into Postgres.
func (s *PostgresStore) Import(ctx context.Context, convs []model.Conversation) (int64, error) {
	var convRows, msgRows [][]any
	for _, c := range convs {
		convRows = append(convRows, []any{c.ID, c.VisitorID, c.Title, string(c.Category), c.CreatedAt, c.UpdatedAt})
		for _, m := range c.Messages {
			msgRows = append(msgRows, []any{m.ID, c.ID, string(m.Role), m.Content, metadataArg(m.Metadata), m.CreatedAt})
		}
	}

	counts, err := db.CopyTables(ctx, s.pool,
		db.CopyTable{
			Name:    "conversations",
			Columns: []string{"id", "visitor_id", "title", "category", "created_at", "updated_at"},
			Rows:    convRows,
		},
		db.CopyTable{
			Name:    "messages",
			Columns: []string{"id", "conversation_id", "role", "content", "metadata", "created_at"},
			Rows:    msgRows,
		},
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import")
	}
	return counts["conversations"] + counts["messages"], nil
}

func metadataArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConversation(row scannable) (*model.Conversation, error) {
	var c model.Conversation
	var category string
	if err := row.Scan(&c.ID, &c.VisitorID, &c.Title, &category, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Category = model.ConversationCategory(category)
	return &c, nil
}
