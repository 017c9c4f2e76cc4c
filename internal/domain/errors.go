package domain

import (
	"errors"
)

// Error taxonomy. Propagation policy:
//   - ErrValidation: rejected and logged, never retried.
//   - ErrTransientStore: retried with bounded exponential backoff.
//   - ErrModelUnavailable: triggers the heuristic fallback, not surfaced.
//   - ErrDuplicateTicket: swallowed as NoOp by escalation.
//   - ErrDeliveryFailure: logged on the BroadcastEvent, never retried.
//   - ErrTrainingValidation: new model stored inactive, reported in the
//     job summary, not raised to callers.
var (
	ErrValidation         = errors.New("validation error")
	ErrTransientStore     = errors.New("transient store error")
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrDuplicateTicket    = errors.New("duplicate ticket")
	ErrDeliveryFailure    = errors.New("delivery failure")
	ErrTrainingValidation = errors.New("training validation failure")
)

// IsRetryable reports whether an error should be retried by the store
// backoff helper.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
