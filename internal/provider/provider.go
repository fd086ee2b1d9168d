// Package provider defines the delivery-provider contract the dispatch
// workers depend on, plus a JSON-over-HTTP implementation.
package provider

import (
	"context"
	"fmt"
)

// Receipt is what a successful send returns.
type Receipt struct {
	ProviderID string
	Status     string
}

// Client sends one message to one recipient. Implementations own their own
// timeouts; callers treat any returned error as terminal for that item.
type Client interface {
	Send(ctx context.Context, to, body, from string) (Receipt, error)
}

// Error is a provider-level failure with enough structure for per-recipient
// bookkeeping.
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s (status %d, code %s)", e.Message, e.HTTPStatus, e.Code)
}

// Summary renders the pipe-delimited form recorded on failed recipients:
// HTTP status, provider error code, message.
func (e *Error) Summary() string {
	return fmt.Sprintf("%d|%s|%s", e.HTTPStatus, e.Code, e.Message)
}
