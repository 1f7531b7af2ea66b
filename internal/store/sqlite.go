package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS characters (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    persona TEXT NOT NULL,
    greeting TEXT NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);
`

// SQLiteStore persists the transcript in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ListCharacters(ctx context.Context) ([]character.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, persona, greeting, avatar_url, created_at FROM characters ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list characters: %w", err)
	}
	defer rows.Close()

	out := make([]character.Character, 0)
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCharacter(ctx context.Context, id string) (character.Character, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, persona, greeting, avatar_url, created_at FROM characters WHERE id = ?`, id)
	return scanCharacter(row)
}

func (s *SQLiteStore) CreateCharacter(ctx context.Context, c character.Character) (character.Character, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (id, name, persona, greeting, avatar_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Persona, c.Greeting, c.AvatarURL, c.CreatedAt.UnixNano())
	if err != nil {
		return character.Character{}, fmt.Errorf("sqlite: create character: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, created_at FROM conversations ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, character_id, created_at FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, characterID string) (chat.Conversation, error) {
	if _, err := s.GetCharacter(ctx, characterID); err != nil {
		return chat.Conversation{}, err
	}

	conv := chat.Conversation{ID: uuid.NewString(), CharacterID: characterID, CreatedAt: now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, character_id, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.CharacterID, conv.CreatedAt.UnixNano())
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("sqlite: create conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	// seq is insertion order
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load history: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m       chat.Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Role = chat.Role(role)
		m.CreatedAt = fromUnixNano(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, ErrInvalidRole
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return chat.Message{}, err
	}

	m := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now(),
	}
	// keep created_at in step with seq when the wall clock moves back
	var last int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&last); err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: read last message time: %w", err)
	}
	if m.CreatedAt.UnixNano() < last {
		m.CreatedAt = fromUnixNano(last)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt.UnixNano())
	if err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: append message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) LoadCharacter(ctx context.Context, conversationID string) (character.Character, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT c.id, c.name, c.persona, c.greeting, c.avatar_url, c.created_at
		 FROM conversations v JOIN characters c ON c.id = v.character_id
		 WHERE v.id = ?`, conversationID)
	return scanCharacter(row)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row scanner) (character.Character, error) {
	var (
		c       character.Character
		created int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Persona, &c.Greeting, &c.AvatarURL, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return character.Character{}, ErrNotFound
		}
		return character.Character{}, fmt.Errorf("sqlite: scan character: %w", err)
	}
	c.CreatedAt = fromUnixNano(created)
	return c, nil
}

func scanConversation(row scanner) (chat.Conversation, error) {
	var (
		conv    chat.Conversation
		created int64
	)
	if err := row.Scan(&conv.ID, &conv.CharacterID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Conversation{}, ErrNotFound
		}
		return chat.Conversation{}, fmt.Errorf("sqlite: scan conversation: %w", err)
	}
	conv.CreatedAt = fromUnixNano(created)
	return conv, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
