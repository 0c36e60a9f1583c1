// Package store persists conversations as one JSON blob per id.
//
// Backends are not assumed durable: the in-memory and Redis backends keep a
// bounded number of conversations and silently evict the least recently
// updated ones. Callers must treat ErrConversationNotFound on a known id as
// "evicted".
//
// Turns are only ever appended, and the trailing pending turn is only ever
// replaced through ReplacePending, which is atomic per conversation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felipepmaragno/chatcore/internal/crypto"
	"github.com/felipepmaragno/chatcore/internal/domain"
)

const DefaultMaxConversations = 50

type Store interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	// List returns conversations, most recently updated first.
	List(ctx context.Context) ([]*domain.Conversation, error)
	// Append adds turns at the end. It fails with ErrConversationBusy while
	// the conversation still has a pending turn.
	Append(ctx context.Context, id string, turns ...domain.Turn) error
	// ReplacePending swaps the trailing pending turn for turn. It fails with
	// ErrNoPendingTurn once the pending turn has been finalized.
	ReplacePending(ctx context.Context, id string, turn domain.Turn) error
	Delete(ctx context.Context, id string) error
}

func appendTurns(conv *domain.Conversation, turns []domain.Turn, now time.Time) error {
	if conv.PendingIndex() >= 0 {
		return domain.ErrConversationBusy
	}
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		conv.Turns = append(conv.Turns, t)
	}
	conv.UpdatedAt = now
	return nil
}

func replacePending(conv *domain.Conversation, turn domain.Turn, now time.Time) error {
	idx := conv.PendingIndex()
	if idx < 0 {
		return domain.ErrNoPendingTurn
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = conv.Turns[idx].CreatedAt
	}
	conv.Turns[idx] = turn
	conv.UpdatedAt = now
	return nil
}

// codec turns a conversation into the stored blob and back. With a sealer
// the blob is encrypted and bound to the conversation id.
type codec struct {
	sealer *crypto.Sealer
}

func (c codec) encode(conv *domain.Conversation) ([]byte, error) {
	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	if c.sealer == nil {
		return data, nil
	}
	return c.sealer.Seal(data, []byte(conv.ID))
}

func (c codec) decode(id string, blob []byte) (*domain.Conversation, error) {
	data := blob
	if c.sealer != nil {
		var err error
		data, err = c.sealer.Open(blob, []byte(id))
		if err != nil {
			return nil, err
		}
	}

	var conv domain.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &conv, nil
}
