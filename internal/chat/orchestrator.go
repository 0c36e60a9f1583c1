// Package chat runs one assistant turn: it streams the model's answer,
// executes requested tool calls between rounds and reports every state
// change through an observer.
//
// The state machine itself lives in Transition and is pure. Orchestrator
// performs the network and tool side effects between transitions.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/metrics"
	"github.com/felipepmaragno/chatcore/internal/stream"
	"github.com/felipepmaragno/chatcore/internal/telemetry"
	"github.com/felipepmaragno/chatcore/internal/tools"
	"github.com/felipepmaragno/chatcore/internal/usage"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
	maxTemperature     = 2.0
)

// Streamer opens one streaming chat completion.
type Streamer interface {
	OpenStream(ctx context.Context, credential string, req domain.ChatRequest) (io.ReadCloser, error)
}

// ToolInvoker runs a tool call and returns its textual result.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, argsJSON string, creds tools.Credentials) string
}

// ModelLookup resolves a model id to its catalog entry.
type ModelLookup interface {
	Lookup(ctx context.Context, credential, modelID string) (domain.ModelDescriptor, bool, error)
}

type Options struct {
	Temperature float64
	MaxTokens   int
	MaxRounds   int
}

func DefaultOptions() Options {
	return Options{
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		MaxRounds:   DefaultMaxRounds,
	}
}

// Request describes one user turn.
type Request struct {
	ConversationID string
	Generation     uint64
	Model          string
	SystemPrompt   string
	History        []domain.Turn
	Prompt         string
	Credential     string
	Tools          tools.Credentials
	Temperature    *float64
	MaxTokens      *int
}

// Observer receives every intermediate state, starting with the Drafting
// placeholder. It is called on the Run goroutine.
type Observer func(TurnState)

// Result is the terminal outcome of Run. Err is nil for Complete, the
// context error for Cancelled, the failure for Failed, and
// domain.ErrLoopExceeded when the round bound cut the turn short.
type Result struct {
	State        TurnState
	Usage        *domain.Usage
	PremiumUnits float64
	Err          error
}

type Orchestrator struct {
	streamer Streamer
	tools    ToolInvoker
	models   ModelLookup
	tracker  usage.Tracker
	opts     Options
}

type Option func(*Orchestrator)

func WithModelLookup(m ModelLookup) Option {
	return func(o *Orchestrator) {
		o.models = m
	}
}

func WithUsageTracker(t usage.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

func WithOptions(opts Options) Option {
	return func(o *Orchestrator) {
		o.opts = opts
	}
}

func New(streamer Streamer, invoker ToolInvoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		streamer: streamer,
		tools:    invoker,
		opts:     DefaultOptions(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.opts.MaxRounds < 1 {
		o.opts.MaxRounds = DefaultMaxRounds
	}
	return o
}

// Run drives one turn to a terminal state. It never returns an error of
// its own: stream and tool failures end up in the returned state.
func (o *Orchestrator) Run(ctx context.Context, req Request, observe Observer) Result {
	start := time.Now()
	ctx, span := telemetry.Start(ctx, "chat.turn", telemetry.Turn(req.ConversationID, req.Model, req.Generation)...)
	defer span.End()

	logger := slog.With(
		"conversation_id", req.ConversationID,
		"model", req.Model,
		"generation", req.Generation,
		"trace_id", telemetry.TraceID(ctx),
	)

	st := NewTurnState(o.opts.MaxRounds)
	apply := func(ev Event) {
		st = Transition(st, ev)
		if observe != nil {
			observe(st)
		}
	}
	if observe != nil {
		observe(st)
	}

	chatReq := o.buildRequest(req)

	var (
		total    domain.Usage
		sawUsage bool
		opened   bool
		failure  error
	)

	apply(EventStart{})
	for st.State == StateStreaming {
		var roundText strings.Builder
		res, streamOpened, err := o.round(ctx, req.Credential, chatReq, st.Round, func(delta string) {
			roundText.WriteString(delta)
			apply(EventDelta{Text: delta})
		})
		opened = opened || streamOpened
		if res.Usage != nil {
			sawUsage = true
			total.PromptTokens += res.Usage.PromptTokens
			total.CompletionTokens += res.Usage.CompletionTokens
			total.TotalTokens += res.Usage.TotalTokens
		}

		if err != nil {
			if isCancellation(ctx, err) {
				failure = ctx.Err()
				apply(EventCancel{})
			} else {
				failure = err
				logger.Warn("turn failed", "round", st.Round, "error", err)
				apply(EventFail{Err: err})
			}
			break
		}

		apply(EventStreamEnd{ToolCalls: res.ToolCalls})
		if st.State != StateToolPending {
			break
		}

		chatReq.Messages = append(chatReq.Messages, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   roundText.String(),
			ToolCalls: res.ToolCalls,
		})
		if err := o.runTools(ctx, req, &chatReq, st.PendingCalls, apply); err != nil {
			failure = err
			apply(EventCancel{})
		}
	}

	if st.LoopExceeded {
		failure = domain.ErrLoopExceeded
		logger.Warn("tool-call round limit reached", "rounds", st.Round)
	}

	result := Result{State: st, Err: failure}
	if sawUsage {
		result.Usage = &total
	}
	if opened {
		result.PremiumUnits = o.premiumUnits(ctx, req)
	}
	o.record(ctx, req, result, time.Since(start))

	var spanErr error
	if st.State == StateFailed {
		spanErr = failure
	}
	telemetry.EndTurn(span, string(st.State), result.PremiumUnits, result.Usage, spanErr)

	logger.Info("turn finished",
		"state", st.State,
		"rounds", st.Round,
		"premium_units", result.PremiumUnits,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

// round runs one request/response round-trip.
func (o *Orchestrator) round(ctx context.Context, credential string, req domain.ChatRequest, n int, sink stream.Sink) (stream.Result, bool, error) {
	ctx, span := telemetry.Start(ctx, "chat.round")
	defer span.End()

	body, err := o.streamer.OpenStream(ctx, credential, req)
	if err != nil {
		return stream.Result{}, false, err
	}
	defer body.Close()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	res, err := stream.Decode(ctx, body, sink)
	span.SetAttributes(telemetry.Round(n, len(res.ToolCalls))...)
	if err != nil && !isCancellation(ctx, err) {
		telemetry.Fail(span, err)
	}
	return res, true, err
}

// runTools executes the pending calls strictly in order. It returns the
// context error if the turn is cancelled between calls.
func (o *Orchestrator) runTools(ctx context.Context, req Request, chatReq *domain.ChatRequest, calls []domain.ToolCall, apply func(Event)) error {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		apply(EventToolStart{Call: call})

		toolCtx, span := telemetry.Start(ctx, "chat.tool", telemetry.Tool(call.Function.Name, call.ID)...)
		output := o.tools.Invoke(toolCtx, call.Function.Name, call.Function.Arguments, req.Tools)
		span.End()
		if err := ctx.Err(); err != nil {
			return err
		}

		chatReq.Messages = append(chatReq.Messages, domain.Message{
			Role:       domain.RoleTool,
			Content:    output,
			ToolCallID: call.ID,
		})
		apply(EventToolResult{CallID: call.ID, Output: output})
	}
	return nil
}

func (o *Orchestrator) buildRequest(req Request) domain.ChatRequest {
	temperature := o.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	temperature = clamp(temperature, 0, maxTemperature)

	maxTokens := o.opts.MaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return domain.ChatRequest{
		Model:         req.Model,
		Messages:      BuildMessages(req.SystemPrompt, req.History, req.Prompt),
		Temperature:   &temperature,
		MaxTokens:     &maxTokens,
		Stream:        true,
		StreamOptions: &domain.StreamOptions{IncludeUsage: true},
		Tools:         tools.Declared(req.Tools),
	}
}

// BuildMessages assembles the outbound array: the optional system prompt,
// prior turns that carry final content, then the new user prompt.
func BuildMessages(systemPrompt string, history []domain.Turn, prompt string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: systemPrompt})
	}

	for _, t := range history {
		switch {
		case t.Role == domain.RoleSystem, t.Role == domain.RoleTool:
			continue
		case t.Pending, t.Error:
			continue
		case t.Role == domain.RoleAssistant && t.Content == "":
			continue
		}
		messages = append(messages, domain.Message{Role: t.Role, Content: t.Content})
	}

	return append(messages, domain.Message{Role: domain.RoleUser, Content: prompt})
}

func (o *Orchestrator) premiumUnits(ctx context.Context, req Request) float64 {
	if o.models == nil {
		return 0
	}
	model, ok, err := o.models.Lookup(context.WithoutCancel(ctx), req.Credential, req.Model)
	if err != nil {
		slog.Debug("model lookup for usage failed", "model", req.Model, "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	return usage.Units(model)
}

func (o *Orchestrator) record(ctx context.Context, req Request, result Result, elapsed time.Duration) {
	state := string(result.State.State)
	metrics.RecordTurn(req.Model, state, elapsed.Seconds())
	metrics.RecordToolRounds(result.State.Round)
	metrics.RecordPremiumUnits(req.Model, result.PremiumUnits)

	rec := usage.Record{
		ConversationID: req.ConversationID,
		Model:          req.Model,
		State:          state,
		Rounds:         result.State.Round,
		PremiumUnits:   result.PremiumUnits,
		Timestamp:      time.Now(),
	}
	rec.AddUsage(result.Usage)
	if result.Usage != nil {
		metrics.RecordTokens(req.Model, rec.PromptTokens, rec.CompletionTokens)
	}

	if o.tracker == nil {
		return
	}
	if err := o.tracker.Record(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("failed to record usage", "conversation_id", req.ConversationID, "error", err)
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func asUpstream(err error) (*domain.UpstreamError, bool) {
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
