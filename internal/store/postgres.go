package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

const pgForeignKeyViolation = "23503"

// PostgresStore persists the transcript in PostgreSQL through a pgx pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgres connects a pool using cfg.PostgresDSN.
func NewPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresStore{Pool: pool}, nil
}

// EnsureSchema creates the tables when missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS characters (",
			"    id TEXT PRIMARY KEY,",
			"    name TEXT NOT NULL,",
			"    persona TEXT NOT NULL,",
			"    greeting TEXT NOT NULL DEFAULT '',",
			"    avatar_url TEXT NOT NULL DEFAULT '',",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS conversations (",
			"    id TEXT PRIMARY KEY,",
			"    character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS messages (",
			"    seq BIGSERIAL PRIMARY KEY,",
			"    id TEXT NOT NULL UNIQUE,",
			"    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,",
			"    role TEXT NOT NULL,",
			"    content TEXT NOT NULL,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at, seq)",
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) ListCharacters(ctx context.Context) ([]character.Character, error) {
	rows, err := p.Pool.Query(ctx,
		`SELECT id, name, persona, greeting, avatar_url, created_at FROM characters ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list characters: %w", err)
	}
	defer rows.Close()

	out := make([]character.Character, 0)
	for rows.Next() {
		var c character.Character
		if err := rows.Scan(&c.ID, &c.Name, &c.Persona, &c.Greeting, &c.AvatarURL, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan character: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetCharacter(ctx context.Context, id string) (character.Character, error) {
	return p.queryCharacter(ctx,
		`SELECT id, name, persona, greeting, avatar_url, created_at FROM characters WHERE id = $1`, id)
}

func (p *PostgresStore) CreateCharacter(ctx context.Context, c character.Character) (character.Character, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = now()

	_, err := p.Pool.Exec(ctx,
		`INSERT INTO characters (id, name, persona, greeting, avatar_url, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Name, c.Persona, c.Greeting, c.AvatarURL, c.CreatedAt)
	if err != nil {
		return character.Character{}, fmt.Errorf("postgres: create character: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := p.Pool.Query(ctx, `SELECT id, character_id, created_at FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		var conv chat.Conversation
		if err := rows.Scan(&conv.ID, &conv.CharacterID, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		conv.CreatedAt = conv.CreatedAt.UTC()
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := p.Pool.QueryRow(ctx, `SELECT id, character_id, created_at FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.CharacterID, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Conversation{}, ErrNotFound
		}
		return chat.Conversation{}, fmt.Errorf("postgres: get conversation: %w", err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	return conv, nil
}

func (p *PostgresStore) CreateConversation(ctx context.Context, characterID string) (chat.Conversation, error) {
	conv := chat.Conversation{ID: uuid.NewString(), CharacterID: characterID, CreatedAt: now()}
	_, err := p.Pool.Exec(ctx,
		`INSERT INTO conversations (id, character_id, created_at) VALUES ($1, $2, $3)`,
		conv.ID, conv.CharacterID, conv.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return chat.Conversation{}, ErrNotFound
		}
		return chat.Conversation{}, fmt.Errorf("postgres: create conversation: %w", err)
	}
	return conv, nil
}

func (p *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tag, err := p.Pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) LoadHistory(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := p.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	// seq is insertion order
	rows, err := p.Pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load history: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m    chat.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Role = chat.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendMessage(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, ErrInvalidRole
	}

	m := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now(),
	}
	// keep created_at in step with seq when the wall clock moves back
	var last *time.Time
	if err := p.Pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&last); err != nil {
		return chat.Message{}, fmt.Errorf("postgres: read last message time: %w", err)
	}
	if last != nil && m.CreatedAt.Before(*last) {
		m.CreatedAt = last.UTC()
	}

	_, err := p.Pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return chat.Message{}, ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("postgres: append message: %w", err)
	}
	return m, nil
}

func (p *PostgresStore) LoadCharacter(ctx context.Context, conversationID string) (character.Character, error) {
	return p.queryCharacter(ctx,
		`SELECT c.id, c.name, c.persona, c.greeting, c.avatar_url, c.created_at
		 FROM conversations v JOIN characters c ON c.id = v.character_id
		 WHERE v.id = $1`, conversationID)
}

func (p *PostgresStore) Close() error {
	if p == nil || p.Pool == nil {
		return nil
	}
	p.Pool.Close()
	return nil
}

func (p *PostgresStore) queryCharacter(ctx context.Context, query string, arg string) (character.Character, error) {
	var c character.Character
	err := p.Pool.QueryRow(ctx, query, arg).
		Scan(&c.ID, &c.Name, &c.Persona, &c.Greeting, &c.AvatarURL, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return character.Character{}, ErrNotFound
		}
		return character.Character{}, fmt.Errorf("postgres: get character: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
