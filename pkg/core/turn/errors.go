package turn

import "fmt"

// ErrorKind classifies session failures by how the session reacts to
// them, not by where they came from.
type ErrorKind string

const (
	// ErrorKindCapability means a required device or permission is
	// unavailable. Fatal to session start; the session never leaves idle.
	ErrorKindCapability ErrorKind = "capability"

	// ErrorKindExchange means submitting a turn to the exchange service
	// failed. Transient; the session speaks a fallback and re-arms.
	ErrorKindExchange ErrorKind = "exchange"

	// ErrorKindPlayback means reply audio could not be played. Treated
	// as playback completion; the session re-arms silently.
	ErrorKindPlayback ErrorKind = "playback"

	// ErrorKindNoiseDiscard means a committed turn was too short or too
	// quiet to submit. Not surfaced to the user at all.
	ErrorKindNoiseDiscard ErrorKind = "noise_discard"
)

// Fallback phrases surfaced to the user. The exchange fallback covers
// failures where the service sent no human-readable detail.
const (
	MicDeniedNotice       = "Microphone access denied. Please allow mic permissions."
	ExchangeFailureNotice = "Something went wrong. Listening again..."
)

// Error is a classified session failure. Detail carries a
// human-readable explanation from the remote service, when it sent one.
type Error struct {
	Kind    ErrorKind
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns the phrase to surface to the listener, or ""
// when the failure should stay silent. A detail sent by the exchange
// service wins over the generic fallback.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case ErrorKindCapability:
		return MicDeniedNotice
	case ErrorKindExchange:
		if e.Detail != "" {
			return e.Detail
		}
		return ExchangeFailureNotice
	default:
		return ""
	}
}

// NewCapabilityError creates a fatal device or permission error.
func NewCapabilityError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindCapability, Message: message, Cause: cause}
}

// NewExchangeError creates a transient exchange failure.
func NewExchangeError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindExchange, Message: message, Cause: cause}
}

// NewPlaybackError creates a playback failure.
func NewPlaybackError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindPlayback, Message: message, Cause: cause}
}

// NewNoiseDiscardError records a turn dropped as noise.
func NewNoiseDiscardError(bytes, speechTicks int) *Error {
	return &Error{
		Kind:    ErrorKindNoiseDiscard,
		Message: fmt.Sprintf("turn discarded as noise (%d bytes, %d speech ticks)", bytes, speechTicks),
	}
}
