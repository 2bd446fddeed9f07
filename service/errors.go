package service

import "errors"

// Key-management failures. All are recoverable at the caller's boundary:
// surfaced, never retried automatically.
var (
	// ErrRecipientKeyUnavailable: the share target exists but has no
	// published public encryption key to wrap for.
	ErrRecipientKeyUnavailable = errors.New("recipient public encryption key unavailable")

	// ErrKeyUnavailable: no wrapped key grant exists for this identity.
	ErrKeyUnavailable = errors.New("cannot access encryption key")

	// ErrKeyResolutionFailed is the terminal no-access condition: either no
	// grant exists or no candidate secret unwraps it. It deliberately does
	// not distinguish "never had access" from "grant corrupted"; the
	// no-grant case additionally wraps ErrKeyUnavailable for callers that
	// want the narrower check.
	ErrKeyResolutionFailed = errors.New("cannot resolve document key")
)
