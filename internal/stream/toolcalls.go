package stream

import (
	"sort"
	"strings"

	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/google/uuid"
)

// Assembler merges tool-call fragments that share an index. The id, type and
// function name are taken from the first fragment that carries them; argument
// substrings are concatenated in arrival order.
type Assembler struct {
	calls map[int]*partialCall
}

type partialCall struct {
	id        string
	kind      string
	name      string
	arguments strings.Builder
}

func (a *Assembler) Add(fragment domain.ToolCallDelta) {
	if a.calls == nil {
		a.calls = make(map[int]*partialCall)
	}

	call, ok := a.calls[fragment.Index]
	if !ok {
		call = &partialCall{}
		a.calls[fragment.Index] = call
	}

	if call.id == "" && fragment.ID != "" {
		call.id = fragment.ID
	}
	if call.kind == "" && fragment.Type != "" {
		call.kind = fragment.Type
	}
	if call.name == "" && fragment.Function.Name != "" {
		call.name = fragment.Function.Name
	}
	call.arguments.WriteString(fragment.Function.Arguments)
}

func (a *Assembler) Len() int {
	return len(a.calls)
}

// Calls returns the reassembled calls ordered by index. Calls without a
// function name are dropped; calls without an id get a generated one.
func (a *Assembler) Calls() []domain.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]domain.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		partial := a.calls[idx]
		if partial.name == "" {
			continue
		}

		id := partial.id
		if id == "" {
			id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		kind := partial.kind
		if kind == "" {
			kind = "function"
		}

		calls = append(calls, domain.ToolCall{
			ID:   id,
			Type: kind,
			Function: domain.FunctionCall{
				Name:      partial.name,
				Arguments: partial.arguments.String(),
			},
		})
	}
	return calls
}
