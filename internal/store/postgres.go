package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/chatcore/internal/crypto"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/metrics"
)

const conversationSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	model      TEXT NOT NULL,
	roles      TEXT[] NOT NULL,
	blob       BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_updated_at_idx ON conversations (updated_at DESC);
`

// PostgresStore keeps the blob in a BYTEA column next to a few queryable
// columns. Mutations lock the row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db    *sql.DB
	codec codec
	max   int
	now   func() time.Time
}

type PostgresOption func(*PostgresStore)

func WithPostgresSealer(s *crypto.Sealer) PostgresOption {
	return func(p *PostgresStore) {
		p.codec.sealer = s
	}
}

// WithPostgresMaxConversations bounds the table; 0 keeps everything.
func WithPostgresMaxConversations(n int) PostgresOption {
	return func(p *PostgresStore) {
		p.max = n
	}
}

func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, conversationSchema); err != nil {
		return fmt.Errorf("create conversation schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, conv *domain.Conversation) error {
	blob, err := s.codec.encode(conv)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO conversations (id, title, model, roles, blob, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Title,
		conv.Model,
		pq.Array(roles(conv)),
		blob,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	return s.evict(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM conversations WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return s.codec.decode(id, blob)
}

func (s *PostgresStore) List(ctx context.Context) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, blob FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv, err := s.codec.decode(id, blob)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ListByRole returns ids of conversations that contain a turn with any of
// the given roles.
func (s *PostgresStore) ListByRole(ctx context.Context, roleNames ...string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE roles && $1 ORDER BY updated_at DESC`,
		pq.Array(roleNames),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations by role: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, id string, turns ...domain.Turn) error {
	return s.update(ctx, id, func(conv *domain.Conversation, now time.Time) error {
		return appendTurns(conv, turns, now)
	})
}

func (s *PostgresStore) ReplacePending(ctx context.Context, id string, turn domain.Turn) error {
	return s.update(ctx, id, func(conv *domain.Conversation, now time.Time) error {
		return replacePending(conv, turn, now)
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) update(ctx context.Context, id string, fn func(*domain.Conversation, time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var blob []byte
	err = tx.QueryRowContext(ctx, `SELECT blob FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}

	conv, err := s.codec.decode(id, blob)
	if err != nil {
		return err
	}
	if err := fn(conv, s.now()); err != nil {
		return err
	}
	updated, err := s.codec.encode(conv)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET blob = $2, roles = $3, updated_at = $4 WHERE id = $1`,
		id, updated, pq.Array(roles(conv)), conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) evict(ctx context.Context) error {
	if s.max <= 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE id IN (SELECT id FROM conversations ORDER BY updated_at DESC, id OFFSET $1)
	`, s.max)
	if err != nil {
		return fmt.Errorf("evict conversations: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.RecordStoreEviction("postgres", int(n))
	}
	return nil
}

func roles(conv *domain.Conversation) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, 4)
	for _, t := range conv.Turns {
		if !seen[t.Role] {
			seen[t.Role] = true
			out = append(out, t.Role)
		}
	}
	return out
}
