package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewInMemoryStore(10)
	})
}

func TestInMemoryStore_EvictsLeastRecentlyUpdated(t *testing.T) {
	s := NewInMemoryStore(3)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		s.Create(ctx, newConversation(fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	s.now = func() time.Time { return base.Add(time.Hour) }
	s.Append(ctx, "c0", domain.Turn{Role: domain.RoleUser, Content: "keep me"})

	s.Create(ctx, newConversation("c3", base.Add(2*time.Hour)))

	if _, err := s.Get(ctx, "c1"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("c1 should have been evicted, err = %v", err)
	}
	for _, id := range []string{"c0", "c2", "c3"} {
		if _, err := s.Get(ctx, id); err != nil {
			t.Errorf("%s should still exist: %v", id, err)
		}
	}
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore(0)
	ctx := context.Background()
	conv := newConversation("c1", time.Now())
	s.Create(ctx, conv)
	s.Append(ctx, "c1", domain.Turn{Role: domain.RoleUser, Content: "original"})

	conv.Title = "mutated"
	got, _ := s.Get(ctx, "c1")
	got.Turns[0].Content = "mutated"

	again, _ := s.Get(ctx, "c1")
	if again.Title == "mutated" || again.Turns[0].Content == "mutated" {
		t.Error("store shares memory with callers")
	}
}
