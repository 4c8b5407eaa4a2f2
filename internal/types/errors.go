package types

import "errors"

// Error taxonomy for the notification core. Callers classify with
// errors.Is; wrap with fmt.Errorf("...: %w", Err...) to add detail.
var (
	// ErrValidation covers malformed events, rules and requests. Rejected
	// before anything is enqueued.
	ErrValidation = errors.New("validation failed")

	// ErrChannelUnavailable means no sender exists for the requested
	// channel. Terminal for that attempt, never blindly retried.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrGatewayFailure is a transient provider failure, retried with
	// backoff up to the attempt budget.
	ErrGatewayFailure = errors.New("gateway failure")

	// ErrPermissionDenied is a Visibility Gate refusal. No state mutated.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict is a racing state transition. The caller must re-read
	// and retry its intent.
	ErrConflict = errors.New("concurrent state transition")

	ErrNotFound = errors.New("not found")
)
