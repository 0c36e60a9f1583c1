// Package usage accounts premium-request units and token counts per turn.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

// Record is the accounting entry written when a turn finishes, whatever its
// final state.
type Record struct {
	ConversationID   string
	Model            string
	State            string
	Rounds           int
	PromptTokens     int
	CompletionTokens int
	PremiumUnits     float64
	Timestamp        time.Time
}

// Summary aggregates records over a window.
type Summary struct {
	Turns            int     `json:"turns"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	PremiumUnits     float64 `json:"premium_units"`
}

type Tracker interface {
	Record(ctx context.Context, record Record) error
	Since(ctx context.Context, since time.Time) ([]Record, error)
	Summary(ctx context.Context, since time.Time) (Summary, error)
}

// Units returns the premium units one user turn on model consumes. A turn
// is charged once however many tool round-trips it takes.
func Units(model domain.ModelDescriptor) float64 {
	return model.PremiumUnits()
}

// AddUsage folds one stream's usage into r.
func (r *Record) AddUsage(u *domain.Usage) {
	if u == nil {
		return
	}
	r.PromptTokens += u.PromptTokens
	r.CompletionTokens += u.CompletionTokens
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		records: make([]Record, 0),
	}
}

func (t *InMemoryTracker) Record(ctx context.Context, record Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) Since(ctx context.Context, since time.Time) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []Record
	for _, r := range t.records {
		if !r.Timestamp.Before(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) Summary(ctx context.Context, since time.Time) (Summary, error) {
	records, _ := t.Since(ctx, since)
	return summarize(records), nil
}

func summarize(records []Record) Summary {
	var s Summary
	for _, r := range records {
		s.Turns++
		s.PromptTokens += r.PromptTokens
		s.CompletionTokens += r.CompletionTokens
		s.PremiumUnits += r.PremiumUnits
	}
	return s
}

func (t *InMemoryTracker) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Record, len(t.records))
	copy(result, t.records)
	return result
}
