package perso

import (
	"fmt"

	"github.com/perso-ai/perso-interactive-go/pkg/live/channel"
)

// Transport-level sentinels re-exported from the channel package so callers
// can match them without importing it.
var (
	ErrConnectionTimeout = channel.ErrConnectionTimeout
	ErrChannelClosed     = channel.ErrClosed
)

// APIError is a structured error reported by the Perso API server. Code,
// Detail and Attr come from the server's error body; Status is the HTTP
// status of the response.
type APIError struct {
	Status int
	Code   string
	Detail string
	Attr   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Attr != "" {
		return fmt.Sprintf("%d:%s:%s (%s)", e.Status, e.Code, e.Detail, e.Attr)
	}
	return fmt.Sprintf("%d:%s:%s", e.Status, e.Code, e.Detail)
}

// StreamingError indicates the LLM event stream violated its line protocol
// or reported a failed event.
type StreamingError struct {
	Description string
}

func (e *StreamingError) Error() string {
	if e == nil {
		return ""
	}
	return "llm streaming error: " + e.Description
}

// LLMError wraps any failure raised during a conversation round: an
// *APIError from a non-2xx response, a *StreamingError from the event
// stream, or a transport error from the underlying request.
//
// Use errors.As to recover the underlying kind.
type LLMError struct {
	Err error
}

func (e *LLMError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("llm round failed: %v", e.Err)
}

func (e *LLMError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
