package service

import "errors"

// Error taxonomy. Adapters wrap concrete failures with one of these so that
// callers can decide with errors.Is whether to retry, give up or force-close.
var (
	// ErrTransient covers timeouts, 5xx answers and dropped connections. Retried with backoff.
	ErrTransient = errors.New("transient i/o error")
	// ErrProtocol covers unexpected statuses and missing fields. Logged, state untouched.
	ErrProtocol = errors.New("protocol violation")
	// ErrRejected is a business-rule refusal by the exchange. Never retried.
	ErrRejected = errors.New("rejected by exchange")
	// ErrInvariant means the single-position invariant is at risk and a safety close is due.
	ErrInvariant = errors.New("invariant breach")
	// ErrFatal aborts startup.
	ErrFatal = errors.New("fatal")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
