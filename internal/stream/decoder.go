// Package stream decodes the line-oriented `data: <json>` protocol used by
// OpenAI-compatible chat streams.
//
// A physical network read may end in the middle of a line; the decoder keeps
// the partial line buffered until its newline arrives. Frames that are not
// valid JSON are skipped. Decoding stops at `data: [DONE]`, at EOF, on a read
// error, or when the context is cancelled. The decoder has no timeout of its
// own.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/felipepmaragno/chatcore/internal/domain"
	"github.com/felipepmaragno/chatcore/internal/metrics"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Sink receives text deltas in arrival order.
type Sink func(delta string)

// Result is what a finished stream produced besides its text.
type Result struct {
	ToolCalls     []domain.ToolCall
	Usage         *domain.Usage
	FinishReason  string
	Done          bool
	SkippedFrames int
}

// Decode reads frames from r until the stream ends. Text deltas are pushed
// to sink as soon as their frame is complete.
func Decode(ctx context.Context, r io.Reader, sink Sink) (Result, error) {
	var (
		result    Result
		assembler Assembler
	)

	reader := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		line, readErr := reader.ReadString('\n')
		if line != "" {
			done := handleLine(line, &result, &assembler, sink)
			if done {
				result.Done = true
				break
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			return result, fmt.Errorf("%w: read stream: %v", domain.ErrTransient, readErr)
		}
	}

	result.ToolCalls = assembler.Calls()
	return result, nil
}

// handleLine processes one logical line and reports whether the stream is
// finished.
func handleLine(line string, result *Result, assembler *Assembler, sink Sink) bool {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if data == "" {
		return false
	}
	if data == doneMarker {
		return true
	}

	var chunk domain.StreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		result.SkippedFrames++
		metrics.RecordProtocolError()
		return false
	}

	if chunk.Usage != nil {
		usage := *chunk.Usage
		result.Usage = &usage
	}

	if len(chunk.Choices) == 0 {
		return false
	}

	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		result.FinishReason = choice.FinishReason
	}
	if choice.Delta == nil {
		return false
	}
	if choice.Delta.Content != "" && sink != nil {
		sink(choice.Delta.Content)
	}
	for _, fragment := range choice.Delta.ToolCalls {
		assembler.Add(fragment)
	}

	return false
}
