package domain

import (
	"errors"
	"fmt"
)

// Channel level failures.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrOfferExists     = errors.New("offer already written")
	ErrAnswerExists    = errors.New("answer already written")
	ErrNoOffer         = errors.New("answer written before offer")
	ErrInvalidStatus   = errors.New("invalid session status")
)

// Media level failures.
var (
	ErrMediaAccessDenied = errors.New("media access denied")
	ErrNoDevice          = errors.New("no media device")
)

// Negotiation level failures.
var (
	ErrRoleConflict   = errors.New("role conflict: remote peer holds the same role")
	ErrNoConnection   = errors.New("no peer connection")
	ErrNothingToRetry = errors.New("no failed signaling write to retry")
)

// ErrDetectorUnavailable is returned when no face detector backend is configured.
var ErrDetectorUnavailable = errors.New("face detector unavailable")

// MediaAccessError means the camera or microphone could not be opened.
// Fatal to starting a call, never retried automatically.
type MediaAccessError struct{ Err error }

func (e *MediaAccessError) Error() string { return "media access: " + e.Err.Error() }
func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationError means the peer connection rejected a description or the
// roles are misassigned. The call cannot proceed.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err)
}
func (e *NegotiationError) Unwrap() error { return e.Err }

// ChannelWriteError wraps a failed write of offer, answer or status.
type ChannelWriteError struct {
	Field string
	Err   error
}

func (e *ChannelWriteError) Error() string {
	return fmt.Sprintf("channel write %s: %v", e.Field, e.Err)
}
func (e *ChannelWriteError) Unwrap() error { return e.Err }

// DetectorInitError is fatal to the blur toggle only.
type DetectorInitError struct{ Err error }

func (e *DetectorInitError) Error() string { return "face detector init: " + e.Err.Error() }
func (e *DetectorInitError) Unwrap() error { return e.Err }

// StaleUpdateError describes an update for a step that already ran.
// It is absorbed internally and never surfaced to the user.
type StaleUpdateError struct{ Step string }

func (e *StaleUpdateError) Error() string { return "stale update for " + e.Step }

// Fatal reports whether err must tear the call down.
func Fatal(err error) bool {
	var mae *MediaAccessError
	var ne *NegotiationError
	return errors.As(err, &mae) || errors.As(err, &ne)
}

// Stale reports whether err is an absorbed stale update.
func Stale(err error) bool {
	var se *StaleUpdateError
	return errors.As(err, &se)
}
