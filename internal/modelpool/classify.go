package modelpool

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/xiaot623/gogo/internal/adapter/llm"
)

// Fallback reasons recorded on model_fallback events.
const (
	ReasonTimeout    = "timeout"
	ReasonConnection = "connection_error"
	ReasonMalformed  = "malformed_response"
	ReasonUpstream   = "upstream_error"
)

// Classify reports whether err should move the call to the next candidate,
// and why. Request errors (4xx, cancellation by the caller) never do.
func Classify(err error) (string, bool) {
	if err == nil || errors.Is(err, context.Canceled) {
		return "", false
	}
	if errors.Is(err, llm.ErrMalformedResponse) {
		return ReasonMalformed, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return ReasonConnection, true
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) && statusErr.Temporary() {
		return ReasonUpstream, true
	}
	return "", false
}
