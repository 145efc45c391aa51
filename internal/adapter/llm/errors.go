package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedResponse is returned when the upstream answered 200 with a body
// that is not a usable completion.
var ErrMalformedResponse = errors.New("malformed llm response")

// StatusError is a non-200 reply from the upstream.
type StatusError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("LLM API error [%d]: %s (type: %s)", e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("LLM API error [%d]: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the upstream itself is failing (5xx) or rate
// limiting, as opposed to rejecting the request.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ValidateResponse checks that a decoded completion carries a message.
func ValidateResponse(resp *ChatCompletionResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	if resp.Choices[0].Message == nil {
		return fmt.Errorf("%w: choice without message", ErrMalformedResponse)
	}
	return nil
}
