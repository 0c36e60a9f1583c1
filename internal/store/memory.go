package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/metrics"
)

// InMemoryStore keeps at most max conversations.
type InMemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation
	max   int
	now   func() time.Time
}

func NewInMemoryStore(max int) *InMemoryStore {
	if max <= 0 {
		max = DefaultMaxConversations
	}
	return &InMemoryStore{
		convs: make(map[string]*domain.Conversation),
		max:   max,
		now:   time.Now,
	}
}

func (s *InMemoryStore) Create(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs[conv.ID] = conv.Clone()
	s.evictLocked(conv.ID)
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (s *InMemoryStore) List(ctx context.Context) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sortByRecency(out)
	return out, nil
}

func (s *InMemoryStore) Append(ctx context.Context, id string, turns ...domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	return appendTurns(conv, turns, s.now())
}

func (s *InMemoryStore) ReplacePending(ctx context.Context, id string, turn domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	return replacePending(conv, turn, s.now())
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return domain.ErrConversationNotFound
	}
	delete(s.convs, id)
	return nil
}

// evictLocked drops the least recently updated conversations over the
// bound, never the one just written.
func (s *InMemoryStore) evictLocked(keep string) {
	over := len(s.convs) - s.max
	if over <= 0 {
		return
	}

	candidates := make([]*domain.Conversation, 0, len(s.convs))
	for id, c := range s.convs {
		if id != keep {
			candidates = append(candidates, c)
		}
	}
	sortByRecency(candidates)

	for i := 0; i < over && i < len(candidates); i++ {
		delete(s.convs, candidates[len(candidates)-1-i].ID)
	}
	metrics.RecordStoreEviction("memory", over)
}

func sortByRecency(convs []*domain.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
}
