package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTransient             = errors.New("transient network failure")
	ErrProtocol              = errors.New("malformed stream frame")
	ErrTool                  = errors.New("tool execution failed")
	ErrLoopExceeded          = errors.New("tool-call round-trip limit reached")
	ErrConversationBusy      = errors.New("conversation has an active turn")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrNoPendingTurn         = errors.New("conversation has no pending turn")
	ErrMissingCredential     = errors.New("missing bearer credential")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrInvalidEncryptionBlob = errors.New("invalid encrypted blob")
)

// UpstreamError is a non-2xx answer from the chat or catalog endpoint.
// Message is surfaced verbatim to the user.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error: status=%d", e.Status)
	}
	return fmt.Sprintf("upstream error: status=%d: %s", e.Status, e.Message)
}

// IsUpstream reports whether err carries an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
