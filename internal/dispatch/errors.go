package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProviderError wraps a failed send with the provider that produced it and
// whether the failure is worth retrying. Transient failures (timeouts,
// throttling, 5xx) feed the backoff policy; terminal failures (invalid
// recipient, rejected content) never retry.
type ProviderError struct {
	ProviderID uuid.UUID
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s provider error (provider=%s): %v", kind, e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient marks a send failure as retryable.
func Transient(providerID uuid.UUID, err error) error {
	return &ProviderError{ProviderID: providerID, Transient: true, Err: err}
}

// Terminal marks a send failure as not worth retrying.
func Terminal(providerID uuid.UUID, err error) error {
	return &ProviderError{ProviderID: providerID, Transient: false, Err: err}
}

// IsTerminal reports whether a send failure should stop all retries.
// Only an explicit terminal classification counts; unknown errors and
// timeouts default to transient so a flaky provider never permanently
// fails a message on its own.
func IsTerminal(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Transient
	}
	return false
}

// IsTimeout reports whether the failure was the per-attempt deadline firing.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
