package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/metrics"
)

// Credentials carries the keys a tool may need. They are passed per call
// so the invoker holds no state between calls.
type Credentials struct {
	SearchAPIKey string
}

type Invoker struct {
	searcher Searcher
}

func NewInvoker(searcher Searcher) *Invoker {
	return &Invoker{searcher: searcher}
}

// Invoke runs the named tool and returns the text fed back to the model as
// the tool result. Failures become text; they never abort the turn.
func (i *Invoker) Invoke(ctx context.Context, name, argsJSON string, creds Credentials) string {
	args := ParseArgs(argsJSON)

	switch name {
	case SearchToolName:
		return i.search(ctx, args, creds)
	default:
		metrics.RecordToolCall(name, "unknown")
		return fmt.Sprintf("Unknown tool: %s", name)
	}
}

func (i *Invoker) search(ctx context.Context, args map[string]any, creds Credentials) string {
	query := Query(args)
	if query == "" {
		metrics.RecordToolCall(SearchToolName, "error")
		return "Search failed: missing query"
	}

	results, err := i.searcher.Search(ctx, query, creds.SearchAPIKey)
	if err != nil {
		metrics.RecordToolCall(SearchToolName, "error")
		slog.Warn("search tool failed", "query", query, "error", fmt.Errorf("%w: %w", domain.ErrTool, err))
		return fmt.Sprintf("Search failed: %v", err)
	}

	metrics.RecordToolCall(SearchToolName, "success")
	return FormatResults(query, results)
}

// ParseArgs decodes tool-call arguments. Malformed or non-object JSON
// yields an empty argument set.
func ParseArgs(argsJSON string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(argsJSON) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// Query returns the trimmed query argument, or "".
func Query(args map[string]any) string {
	q, _ := args["query"].(string)
	return strings.TrimSpace(q)
}

// FormatResults renders hits as numbered title/url/snippet blocks.
func FormatResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n\n", query)
	for n, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", n+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&b, "   %s\n", r.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
