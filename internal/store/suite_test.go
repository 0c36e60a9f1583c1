package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

func newConversation(id string, updated time.Time) *domain.Conversation {
	return &domain.Conversation{
		ID:        id,
		Title:     "title " + id,
		Model:     "gpt-4o",
		CreatedAt: updated,
		UpdatedAt: updated,
		Turns:     []domain.Turn{},
	}
}

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.Create(ctx, newConversation("c1", time.Now())); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		got, err := s.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.ID != "c1" || got.Title != "title c1" {
			t.Errorf("Get() = %+v", got)
		}

		if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrConversationNotFound) {
			t.Errorf("Get(missing) error = %v", err)
		}
	})

	t.Run("append and replace pending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Create(ctx, newConversation("c1", time.Now()))

		err := s.Append(ctx, "c1",
			domain.Turn{Role: domain.RoleUser, Content: "hi"},
			domain.Turn{Role: domain.RoleAssistant, Pending: true},
		)
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		if err := s.Append(ctx, "c1", domain.Turn{Role: domain.RoleUser, Content: "again"}); !errors.Is(err, domain.ErrConversationBusy) {
			t.Errorf("Append() while pending error = %v, want ErrConversationBusy", err)
		}

		if err := s.ReplacePending(ctx, "c1", domain.Turn{Role: domain.RoleAssistant, Content: "Hel", Pending: true}); err != nil {
			t.Fatalf("ReplacePending() error = %v", err)
		}
		if err := s.ReplacePending(ctx, "c1", domain.Turn{Role: domain.RoleAssistant, Content: "Hello"}); err != nil {
			t.Fatalf("ReplacePending() final error = %v", err)
		}
		if err := s.ReplacePending(ctx, "c1", domain.Turn{Role: domain.RoleAssistant, Content: "late"}); !errors.Is(err, domain.ErrNoPendingTurn) {
			t.Errorf("ReplacePending() after final error = %v, want ErrNoPendingTurn", err)
		}

		got, _ := s.Get(ctx, "c1")
		if len(got.Turns) != 2 {
			t.Fatalf("turns = %d, want 2", len(got.Turns))
		}
		last := got.Turns[1]
		if last.Content != "Hello" || last.Pending {
			t.Errorf("last turn = %+v", last)
		}
		if last.CreatedAt.IsZero() {
			t.Error("CreatedAt not preserved")
		}
	})

	t.Run("missing conversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.Append(ctx, "nope", domain.Turn{}); !errors.Is(err, domain.ErrConversationNotFound) {
			t.Errorf("Append() error = %v", err)
		}
		if err := s.ReplacePending(ctx, "nope", domain.Turn{}); !errors.Is(err, domain.ErrConversationNotFound) {
			t.Errorf("ReplacePending() error = %v", err)
		}
		if err := s.Delete(ctx, "nope"); !errors.Is(err, domain.ErrConversationNotFound) {
			t.Errorf("Delete() error = %v", err)
		}
	})

	t.Run("list by recency", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		s.Create(ctx, newConversation("old", base))
		s.Create(ctx, newConversation("new", base.Add(time.Minute)))

		list, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
			t.Errorf("List() order = %v", ids(list))
		}

		s.Append(ctx, "old", domain.Turn{Role: domain.RoleUser, Content: "bump"})
		list, _ = s.List(ctx)
		if list[0].ID != "old" {
			t.Errorf("updated conversation should list first, got %v", ids(list))
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Create(ctx, newConversation("c1", time.Now()))

		if err := s.Delete(ctx, "c1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := s.Get(ctx, "c1"); !errors.Is(err, domain.ErrConversationNotFound) {
			t.Errorf("Get() after delete error = %v", err)
		}
	})

	t.Run("concurrent replace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Create(ctx, newConversation("c1", time.Now()))
		s.Append(ctx, "c1", domain.Turn{Role: domain.RoleUser}, domain.Turn{Role: domain.RoleAssistant, Pending: true})

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s.ReplacePending(ctx, "c1", domain.Turn{Role: domain.RoleAssistant, Content: fmt.Sprint(i), Pending: true})
			}(i)
		}
		wg.Wait()

		got, _ := s.Get(ctx, "c1")
		if len(got.Turns) != 2 || !got.Turns[1].Pending {
			t.Errorf("turns = %+v", got.Turns)
		}
	})
}

func ids(convs []*domain.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}
