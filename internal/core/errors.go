package core

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	// StoreUnavailable is transient; the store client retries with backoff.
	StoreUnavailable ErrorKind = "store_unavailable"
	// AnotherSpeakerActive is an expected contention outcome, not a failure.
	AnotherSpeakerActive ErrorKind = "another_speaker_active"
	TokenGenerationFailed ErrorKind = "token_generation_failed"
	// TransportNegotiationFailed is reported after the per-peer retry
	// budget is exhausted.
	TransportNegotiationFailed ErrorKind = "transport_negotiation_failed"
	// PermissionDenied: microphone unavailable. Fatal to the speaker role,
	// non-fatal to the listener role.
	PermissionDenied ErrorKind = "permission_denied"
	// StaleSpeakerRecord marks the arbitration race window: a claim was
	// silently overwritten by a competitor. Self-correcting, logged only.
	StaleSpeakerRecord ErrorKind = "stale_speaker_record"
)

// Error carries the kind alongside a human-readable message; only these
// surface to the presentation layer.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, or "" when it is not a core error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
