package chat

import (
	"fmt"
	"strings"

	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/tools"
)

// State is the lifecycle position of one assistant turn.
type State string

const (
	StateDrafting    State = "drafting"
	StateStreaming   State = "streaming"
	StateToolPending State = "tool_pending"
	StateComplete    State = "complete"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Terminal reports whether no further event can change the turn.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// DefaultMaxRounds bounds request/response round-trips per user turn.
const DefaultMaxRounds = 5

// TurnState is everything the orchestrator knows about a turn between two
// side effects. It is a value; Transition never mutates its input.
type TurnState struct {
	State        State
	Round        int
	MaxRounds    int
	Content      string
	PendingCalls []domain.ToolCall
	LoopExceeded bool
	Err          string
}

// NewTurnState returns a Drafting turn bounded to maxRounds round-trips.
func NewTurnState(maxRounds int) TurnState {
	if maxRounds < 1 {
		maxRounds = DefaultMaxRounds
	}
	return TurnState{State: StateDrafting, MaxRounds: maxRounds}
}

// Pending mirrors the placeholder flag: set until a terminal state.
func (s TurnState) Pending() bool {
	return !s.State.Terminal()
}

// Turn renders the state as the assistant placeholder turn.
func (s TurnState) Turn(model string) domain.Turn {
	return domain.Turn{
		Role:    domain.RoleAssistant,
		Content: s.Content,
		Model:   model,
		Pending: s.Pending(),
		Error:   s.State == StateFailed,
	}
}

// Event is an input to Transition.
type Event interface {
	event()
}

// EventStart opens the first round.
type EventStart struct{}

// EventDelta carries one text fragment from the stream.
type EventDelta struct {
	Text string
}

// EventStreamEnd closes a round. ToolCalls are the completed calls the
// model requested, in index order.
type EventStreamEnd struct {
	ToolCalls []domain.ToolCall
}

// EventToolStart marks a tool call about to run; it adds the progress line.
type EventToolStart struct {
	Call domain.ToolCall
}

// EventToolResult marks a tool call as answered.
type EventToolResult struct {
	CallID string
	Output string
}

// EventCancel is cooperative cancellation.
type EventCancel struct{}

// EventFail is any error other than cancellation.
type EventFail struct {
	Err error
}

func (EventStart) event()      {}
func (EventDelta) event()      {}
func (EventStreamEnd) event()  {}
func (EventToolStart) event()  {}
func (EventToolResult) event() {}
func (EventCancel) event()     {}
func (EventFail) event()       {}

// Transition is the turn state machine:
//
//	Drafting -> Streaming -> (ToolPending -> Streaming)* -> Complete | Cancelled | Failed
//
// Events that do not apply to the current state leave it unchanged.
// Terminal states absorb every event.
func Transition(s TurnState, ev Event) TurnState {
	if s.State.Terminal() {
		return s
	}

	switch e := ev.(type) {
	case EventCancel:
		s.State = StateCancelled
		s.PendingCalls = nil
		return s

	case EventFail:
		s.State = StateFailed
		s.PendingCalls = nil
		s.Err = errorText(e.Err)
		s.Content = s.Err
		return s

	case EventStart:
		if s.State == StateDrafting {
			s.State = StateStreaming
			s.Round = 1
		}
		return s

	case EventDelta:
		if s.State == StateStreaming {
			s.Content += e.Text
		}
		return s

	case EventStreamEnd:
		if s.State != StateStreaming {
			return s
		}
		if len(e.ToolCalls) == 0 {
			s.State = StateComplete
			return s
		}
		if s.Round >= s.MaxRounds {
			s.State = StateComplete
			s.LoopExceeded = true
			return s
		}
		s.State = StateToolPending
		s.PendingCalls = append([]domain.ToolCall(nil), e.ToolCalls...)
		return s

	case EventToolStart:
		if s.State == StateToolPending {
			s.Content += ProgressLine(s.Content, e.Call)
		}
		return s

	case EventToolResult:
		if s.State != StateToolPending {
			return s
		}
		s.PendingCalls = removeCall(s.PendingCalls, e.CallID)
		if len(s.PendingCalls) == 0 {
			s.State = StateStreaming
			s.Round++
		}
		return s
	}

	return s
}

// ProgressLine is the text shown while a tool call runs. It starts on a
// fresh paragraph when the model already wrote something.
func ProgressLine(content string, call domain.ToolCall) string {
	var line string
	switch call.Function.Name {
	case tools.SearchToolName:
		query := tools.Query(tools.ParseArgs(call.Function.Arguments))
		line = fmt.Sprintf("🔍 Searching: %s\n\n", query)
	default:
		line = fmt.Sprintf("🔧 Running: %s\n\n", call.Function.Name)
	}

	if content != "" && !strings.HasSuffix(content, "\n\n") {
		if strings.HasSuffix(content, "\n") {
			return "\n" + line
		}
		return "\n\n" + line
	}
	return line
}

func removeCall(calls []domain.ToolCall, id string) []domain.ToolCall {
	for i, c := range calls {
		if c.ID == id {
			out := make([]domain.ToolCall, 0, len(calls)-1)
			out = append(out, calls[:i]...)
			return append(out, calls[i+1:]...)
		}
	}
	return calls
}

func errorText(err error) string {
	if err == nil {
		return "Error: request failed"
	}
	if ue, ok := asUpstream(err); ok && ue.Message != "" {
		return "Error: " + ue.Message
	}
	return "Error: " + err.Error()
}
