package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS turn_usage (
	id                BIGSERIAL PRIMARY KEY,
	conversation_id   TEXT NOT NULL,
	model             TEXT NOT NULL,
	state             TEXT NOT NULL,
	rounds            INTEGER NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	premium_units     DOUBLE PRECISION NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS turn_usage_created_at_idx ON turn_usage (created_at);
`

type PostgresTracker struct {
	db *sql.DB
}

func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

func (t *PostgresTracker) EnsureSchema(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("create usage schema: %w", err)
	}
	return nil
}

func (t *PostgresTracker) Record(ctx context.Context, record Record) error {
	query := `
		INSERT INTO turn_usage (conversation_id, model, state, rounds, prompt_tokens, completion_tokens, premium_units, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := t.db.ExecContext(ctx, query,
		record.ConversationID,
		record.Model,
		record.State,
		record.Rounds,
		record.PromptTokens,
		record.CompletionTokens,
		record.PremiumUnits,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (t *PostgresTracker) Since(ctx context.Context, since time.Time) ([]Record, error) {
	query := `
		SELECT conversation_id, model, state, rounds, prompt_tokens, completion_tokens, premium_units, created_at
		FROM turn_usage
		WHERE created_at >= $1
		ORDER BY created_at DESC
	`

	rows, err := t.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ConversationID,
			&r.Model,
			&r.State,
			&r.Rounds,
			&r.PromptTokens,
			&r.CompletionTokens,
			&r.PremiumUnits,
			&r.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (t *PostgresTracker) Summary(ctx context.Context, since time.Time) (Summary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(premium_units), 0)
		FROM turn_usage
		WHERE created_at >= $1
	`

	var s Summary
	err := t.db.QueryRowContext(ctx, query, since).Scan(&s.Turns, &s.PromptTokens, &s.CompletionTokens, &s.PremiumUnits)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return s, nil
}
