// Package session runs chat turns against stored conversations.
//
// The Coordinator allows one active turn per conversation and any number
// across conversations. Each turn gets a generation number; a state update
// is written only while its generation is still the current, unfinalized
// turn of that conversation, so callbacks from a stopped stream can never
// overwrite a newer turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/chatcore/internal/chat"
	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/store"
	"github.com/felipepmaragno/chatcore/internal/tools"
)

const defaultTitle = "New conversation"

// TurnRunner drives one turn to completion.
type TurnRunner interface {
	Run(ctx context.Context, req chat.Request, observe chat.Observer) chat.Result
}

// Event is published for every accepted state change of a turn.
type Event struct {
	ConversationID string
	Generation     uint64
	State          chat.State
	Turn           domain.Turn
}

// EventHandler may be called from several goroutines at once in compare
// mode.
type EventHandler func(Event)

type SendRequest struct {
	ConversationID string
	Prompt         string
	Model          string
	Credential     string
	Temperature    *float64
	MaxTokens      *int
}

type Target struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
}

type CompareRequest struct {
	Prompt      string
	Left, Right Target
	Credential  string
}

type TurnResult struct {
	ConversationID string        `json:"conversation_id"`
	Generation     uint64        `json:"generation"`
	State          chat.State    `json:"state"`
	Turn           domain.Turn   `json:"turn"`
	PremiumUnits   float64       `json:"premium_units"`
	Usage          *domain.Usage `json:"usage,omitempty"`
}

type CreateRequest struct {
	Title        string
	Model        string
	SystemPrompt string
}

type Coordinator struct {
	store  store.Store
	runner TurnRunner
	tools  tools.Credentials
	now    func() time.Time

	mu          sync.Mutex
	active      map[string]*activeTurn
	generations map[string]uint64
}

type Option func(*Coordinator)

// WithToolCredentials sets the keys passed to every turn's tool calls.
func WithToolCredentials(creds tools.Credentials) Option {
	return func(c *Coordinator) {
		c.tools = creds
	}
}

func NewCoordinator(st store.Store, runner TurnRunner, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		runner:      runner,
		now:         time.Now,
		active:      make(map[string]*activeTurn),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// activeTurn is the registry entry for one running turn. mu serializes its
// store writes. started is set once the placeholder exists; finalized once a
// terminal state has been written. Events are delivered by flush from the
// turn's own goroutine, never while mu is held.
type activeTurn struct {
	conversationID string
	generation     uint64
	cancel         context.CancelFunc
	onEvent        EventHandler

	mu        sync.Mutex
	model     string
	last      chat.TurnState
	started   bool
	finalized bool
	version   uint64
	emitted   uint64
	pending   Event
}

func (t *activeTurn) setModel(model string) {
	t.mu.Lock()
	t.model = model
	t.mu.Unlock()
}

// flush delivers the latest accepted state if it has not been delivered yet.
func (t *activeTurn) flush() {
	t.mu.Lock()
	if t.onEvent == nil || t.version <= t.emitted {
		t.mu.Unlock()
		return
	}
	t.emitted = t.version
	ev := t.pending
	t.mu.Unlock()

	t.onEvent(ev)
}

func (c *Coordinator) CreateConversation(ctx context.Context, req CreateRequest) (*domain.Conversation, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidRequest)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitle
	}

	now := c.now()
	conv := &domain.Conversation{
		ID:           uuid.NewString(),
		Title:        title,
		CreatedAt:    now,
		UpdatedAt:    now,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Turns:        []domain.Turn{},
	}
	if err := c.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (c *Coordinator) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return c.store.Get(ctx, id)
}

func (c *Coordinator) Conversations(ctx context.Context) ([]*domain.Conversation, error) {
	return c.store.List(ctx)
}

// DeleteConversation refuses while a turn is running.
func (c *Coordinator) DeleteConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	_, busy := c.active[id]
	c.mu.Unlock()
	if busy {
		return domain.ErrConversationBusy
	}
	return c.store.Delete(ctx, id)
}

// RecoverPending closes placeholders left pending by a previous process.
// Their content is kept and the turn is marked cancelled.
func (c *Coordinator) RecoverPending(ctx context.Context) (int, error) {
	convs, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	recovered := 0
	for _, conv := range convs {
		c.mu.Lock()
		_, busy := c.active[conv.ID]
		c.mu.Unlock()

		idx := conv.PendingIndex()
		if busy || idx < 0 {
			continue
		}
		turn := conv.Turns[idx]
		turn.Pending = false
		if err := c.store.ReplacePending(ctx, conv.ID, turn); err != nil {
			slog.Warn("failed to recover pending turn", "conversation_id", conv.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Send runs one turn on a conversation and blocks until it is terminal.
func (c *Coordinator) Send(ctx context.Context, req SendRequest, onEvent EventHandler) (*TurnResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}

	turn, turnCtx, err := c.reserve(ctx, req.ConversationID, onEvent)
	if err != nil {
		return nil, err
	}
	defer c.release(turn)

	// Read only once the slot is held, so the history includes the final
	// answer of the previous turn.
	conv, err := c.store.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	turn.setModel(pickModel(req.Model, conv.Model))

	return c.run(turnCtx, turn, conv, req)
}

// Compare sends one prompt to two conversations in parallel. The two turns
// are independent: one failing or being stopped leaves the other running.
func (c *Coordinator) Compare(ctx context.Context, req CompareRequest, onEvent EventHandler) ([2]*TurnResult, error) {
	var results [2]*TurnResult

	if strings.TrimSpace(req.Prompt) == "" {
		return results, fmt.Errorf("%w: prompt is required", domain.ErrInvalidRequest)
	}
	if req.Left.ConversationID == req.Right.ConversationID {
		return results, fmt.Errorf("%w: compare needs two distinct conversations", domain.ErrInvalidRequest)
	}

	targets := [2]Target{req.Left, req.Right}
	var turns [2]*activeTurn
	var ctxs [2]context.Context
	for i, target := range targets {
		turn, turnCtx, err := c.reserve(ctx, target.ConversationID, onEvent)
		if err != nil {
			if i == 1 {
				c.release(turns[0])
			}
			return results, err
		}
		turns[i], ctxs[i] = turn, turnCtx
	}

	var convs [2]*domain.Conversation
	for i, target := range targets {
		conv, err := c.store.Get(ctx, target.ConversationID)
		if err != nil {
			c.release(turns[0])
			c.release(turns[1])
			return results, err
		}
		convs[i] = conv
		turns[i].setModel(pickModel(target.Model, conv.Model))
	}

	var g errgroup.Group
	for i := range targets {
		g.Go(func() error {
			defer c.release(turns[i])

			res, err := c.run(ctxs[i], turns[i], convs[i], SendRequest{
				ConversationID: targets[i].ConversationID,
				Prompt:         req.Prompt,
				Model:          targets[i].Model,
				Credential:     req.Credential,
			})
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Stop cancels every running turn and returns how many were stopped.
func (c *Coordinator) Stop() int {
	c.mu.Lock()
	turns := make([]*activeTurn, 0, len(c.active))
	for _, t := range c.active {
		turns = append(turns, t)
	}
	c.mu.Unlock()

	for _, t := range turns {
		c.stop(t)
	}
	return len(turns)
}

// StopConversation cancels the running turn of one conversation.
func (c *Coordinator) StopConversation(id string) bool {
	c.mu.Lock()
	t, ok := c.active[id]
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.stop(t)
	return true
}

// Active lists conversations with a running turn.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) reserve(ctx context.Context, id string, onEvent EventHandler) (*activeTurn, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.active[id]; busy {
		return nil, nil, domain.ErrConversationBusy
	}

	c.generations[id]++
	turnCtx, cancel := context.WithCancel(ctx)
	t := &activeTurn{
		conversationID: id,
		generation:     c.generations[id],
		cancel:         cancel,
		onEvent:        onEvent,
		last:           chat.NewTurnState(0),
	}
	c.active[id] = t
	return t, turnCtx, nil
}

// release frees the slot if t still holds it.
func (c *Coordinator) release(t *activeTurn) {
	if t == nil {
		return
	}
	t.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[t.conversationID] == t {
		delete(c.active, t.conversationID)
	}
}

// stop finalizes t as Cancelled right away and frees its slot. Whatever the
// turn's goroutine observes afterwards is discarded. The cancelled event is
// delivered by that goroutine, so stop never waits on a slow client.
func (c *Coordinator) stop(t *activeTurn) {
	t.cancel()

	c.applyIfCurrent(t, func(st chat.TurnState) chat.TurnState {
		return chat.Transition(st, chat.EventCancel{})
	})
	c.release(t)
}

func (c *Coordinator) run(ctx context.Context, t *activeTurn, conv *domain.Conversation, req SendRequest) (*TurnResult, error) {
	logger := slog.With("conversation_id", t.conversationID, "generation", t.generation, "model", t.model)

	if err := c.start(ctx, t, req.Prompt); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("turn stopped before start")
			cancelled := chat.Transition(chat.NewTurnState(0), chat.EventCancel{})
			return &TurnResult{
				ConversationID: t.conversationID,
				Generation:     t.generation,
				State:          cancelled.State,
				Turn:           cancelled.Turn(t.model),
			}, nil
		}
		return nil, err
	}
	logger.Info("turn started")

	result := c.runner.Run(ctx, chat.Request{
		ConversationID: t.conversationID,
		Generation:     t.generation,
		Model:          t.model,
		SystemPrompt:   conv.SystemPrompt,
		History:        conv.Turns,
		Prompt:         req.Prompt,
		Credential:     req.Credential,
		Tools:          c.tools,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	}, func(st chat.TurnState) {
		c.applyIfCurrent(t, func(chat.TurnState) chat.TurnState { return st })
		t.flush()
	})
	t.flush()

	if result.Err != nil && !errors.Is(result.Err, context.Canceled) && !errors.Is(result.Err, domain.ErrLoopExceeded) {
		logger.Warn("turn failed", "error", result.Err)
	}

	t.mu.Lock()
	final := t.last
	model := t.model
	t.mu.Unlock()
	if !final.State.Terminal() {
		final = result.State
	}

	return &TurnResult{
		ConversationID: t.conversationID,
		Generation:     t.generation,
		State:          final.State,
		Turn:           final.Turn(model),
		PremiumUnits:   result.PremiumUnits,
		Usage:          result.Usage,
	}, nil
}

// start appends the user turn and the pending placeholder. It does nothing
// if the turn was stopped before getting here.
func (c *Coordinator) start(ctx context.Context, t *activeTurn, prompt string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	now := c.now()
	err := c.store.Append(ctx, t.conversationID,
		domain.Turn{Role: domain.RoleUser, Content: prompt, CreatedAt: now},
		domain.Turn{Role: domain.RoleAssistant, Model: t.model, Pending: true, CreatedAt: now},
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	t.started = true
	return nil
}

// applyIfCurrent computes the next state with next and writes it, unless
// t has been finalized or superseded by a newer generation.
func (c *Coordinator) applyIfCurrent(t *activeTurn, next func(chat.TurnState) chat.TurnState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.finalized || !c.isCurrent(t) {
		return false
	}

	st := next(t.last)
	t.last = st
	if st.State.Terminal() {
		t.finalized = true
	}

	turn := st.Turn(t.model)
	err := c.store.ReplacePending(context.Background(), t.conversationID, turn)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConversationNotFound), errors.Is(err, domain.ErrNoPendingTurn):
		slog.Debug("turn update dropped", "conversation_id", t.conversationID, "generation", t.generation, "error", err)
	default:
		slog.Error("failed to persist turn", "conversation_id", t.conversationID, "generation", t.generation, "error", err)
	}

	t.version++
	t.pending = Event{
		ConversationID: t.conversationID,
		Generation:     t.generation,
		State:          st.State,
		Turn:           turn,
	}
	return true
}

func (c *Coordinator) isCurrent(t *activeTurn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[t.conversationID] == t.generation
}

func pickModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
