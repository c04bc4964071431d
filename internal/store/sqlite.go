package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // driver

	"github.com/sells-group/abi-engine/internal/model"
)

// sqliteTime is fixed-width so TEXT ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on SQLite through sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps per-conversation ordering simple and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	visitor_id TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL DEFAULT 'general',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	metadata        TEXT,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_visitor ON conversations(visitor_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
`

type conversationRow struct {
	ID        string `db:"id"`
	VisitorID string `db:"visitor_id"`
	Title     string `db:"title"`
	Category  string `db:"category"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r conversationRow) toModel() (*model.Conversation, error) {
	created, err := time.Parse(sqliteTime, r.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse created_at of %s", r.ID)
	}
	updated, err := time.Parse(sqliteTime, r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse updated_at of %s", r.ID)
	}
	return &model.Conversation{
		ID:        r.ID,
		VisitorID: r.VisitorID,
		Title:     r.Title,
		Category:  model.ConversationCategory(r.Category),
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	Role           string         `db:"role"`
	Content        string         `db:"content"`
	Metadata       sql.NullString `db:"metadata"`
	CreatedAt      string         `db:"created_at"`
}

func (r messageRow) toModel() (model.Message, error) {
	created, err := time.Parse(sqliteTime, r.CreatedAt)
	if err != nil {
		return model.Message{}, eris.Wrapf(err, "sqlite: parse created_at of message %s", r.ID)
	}
	m := model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           model.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      created,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		m.Metadata = []byte(r.Metadata.String)
	}
	return m, nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	prepareConversation(c)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO conversations (id, visitor_id, title, category, created_at, updated_at)
		 VALUES (:id, :visitor_id, :title, :category, :created_at, :updated_at)`,
		conversationRow{
			ID:        c.ID,
			VisitorID: c.VisitorID,
			Title:     c.Title,
			Category:  string(c.Category),
			CreatedAt: c.CreatedAt.UTC().Format(sqliteTime),
			UpdatedAt: c.UpdatedAt.UTC().Format(sqliteTime),
		},
	)
	return eris.Wrap(err, "sqlite: insert conversation")
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, visitor_id, title, category, created_at, updated_at FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get conversation %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get conversation %s", id)
	}
	c, err := row.toModel()
	if err != nil {
		return nil, err
	}

	var msgs []messageRow
	if err := s.db.SelectContext(ctx, &msgs,
		`SELECT id, conversation_id, role, content, metadata, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at, rowid`, id); err != nil {
		return nil, eris.Wrapf(err, "sqlite: list messages %s", id)
	}
	for _, mr := range msgs {
		m, err := mr.toModel()
		if err != nil {
			return nil, err
		}
		c.Messages = append(c.Messages, m)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	query := `SELECT id, visitor_id, title, category, created_at, updated_at FROM conversations WHERE 1=1`
	args := []any{}
	if filter.VisitorID != "" {
		query += ` AND visitor_id = ?`
		args = append(args, filter.VisitorID)
	}
	query += ` ORDER BY updated_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: list conversations")
	}
	out := make([]model.Conversation, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateConversationCategory(ctx context.Context, id string, category model.ConversationCategory) (*model.Conversation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET category = ?, updated_at = ? WHERE id = ? AND category = ?`,
		string(category), time.Now().UTC().Format(sqliteTime), id, string(model.ConversationGeneral),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update category %s", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if _, err := s.GetConversation(ctx, id); err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrCategoryLocked, "sqlite: update category %s", id)
	}
	return s.GetConversation(ctx, id)
}

// AppendMessage inserts a message and bumps the conversation's updated_at in
// one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *model.Message) error {
	prepareMessage(m)
	created := m.CreatedAt.UTC().Format(sqliteTime)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, created, m.ConversationID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch conversation %s", m.ConversationID)
	}
	if err := checkRowsAffected(res, m.ConversationID); err != nil {
		return err
	}

	row := messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		Metadata:       sql.NullString{String: string(m.Metadata), Valid: len(m.Metadata) > 0},
		CreatedAt:      created,
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		 VALUES (:id, :conversation_id, :role, :content, :metadata, :created_at)`, row); err != nil {
		return eris.Wrap(err, "sqlite: insert message")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append")
}

// Export returns every conversation with its messages, oldest first.
func (s *SQLiteStore) Export(ctx context.Context) ([]model.Conversation, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM conversations ORDER BY created_at, rowid`); err != nil {
		return nil, eris.Wrap(err, "sqlite: export ids")
	}
	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: conversation %s", id)
	}
	return nil
}
