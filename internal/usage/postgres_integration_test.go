//go:build integration

package usage_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/felipepmaragno/chatcore/internal/usage"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

func TestPostgresTracker(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	ctx := context.Background()
	tracker := usage.NewPostgresTracker(db)
	if err := tracker.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	convID := "usage-test-" + time.Now().Format("20060102150405.000")
	start := time.Now().Add(-time.Second)
	defer db.ExecContext(ctx, "DELETE FROM turn_usage WHERE conversation_id = $1", convID)

	record := usage.Record{
		ConversationID:   convID,
		Model:            "gpt-4o",
		State:            "complete",
		Rounds:           2,
		PromptTokens:     100,
		CompletionTokens: 40,
		PremiumUnits:     1,
		Timestamp:        time.Now(),
	}
	if err := tracker.Record(ctx, record); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	records, err := tracker.Since(ctx, start)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	found := false
	for _, r := range records {
		if r.ConversationID == convID && r.Rounds == 2 && r.PremiumUnits == 1 {
			found = true
		}
	}
	if !found {
		t.Error("recorded usage not returned")
	}

	s, err := tracker.Summary(ctx, start)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if s.Turns < 1 || s.PromptTokens < 100 {
		t.Errorf("Summary() = %+v", s)
	}
}
