// Package vrtperrors provides the typed error used across the video
// transport stack. It is a single flat replacement for the teacher's
// DialogError/ErrorCategory pair, narrowed to the handful of failure
// kinds this domain actually produces.
package vrtperrors

import (
	"fmt"
	"time"
)

// Kind classifies a SessionError for callers that want to branch on it
// (retry, tear down, or surface to the user) without string matching.
type Kind string

const (
	// KindTransportInit covers socket/bind setup failures.
	KindTransportInit Kind = "transport_init"
	// KindCryptoInit covers SRTP key/profile negotiation failures.
	KindCryptoInit Kind = "crypto_init"
	// KindEncoderInit covers video encoder construction failures.
	KindEncoderInit Kind = "encoder_init"
	// KindDecoderInit covers video decoder construction failures.
	KindDecoderInit Kind = "decoder_init"
	// KindTransientSend covers a single dropped/failed outbound packet
	// that does not threaten the session as a whole.
	KindTransientSend Kind = "transient_send"
	// KindTransientReceive is the receive-side counterpart of
	// KindTransientSend.
	KindTransientReceive Kind = "transient_receive"
	// KindFatal covers failures that leave the session unusable.
	KindFatal Kind = "fatal"
)

// Retryable reports whether operations of this kind are expected to
// succeed on a later attempt without tearing down the session.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientSend, KindTransientReceive:
		return true
	default:
		return false
	}
}

// Direction names which half of a media flow an error occurred on,
// when that distinction is meaningful (empty for kinds that aren't
// direction-specific, such as KindCryptoInit).
type Direction string

const (
	DirectionNone    Direction = ""
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// SessionError is the error type returned by every exported operation
// in this module that can fail for a reason worth classifying. It
// wraps Cause so errors.Is/errors.As see through it unchanged.
type SessionError struct {
	Kind      Kind
	Direction Direction
	Op        string
	SessionID string
	Cause     error
	At        time.Time
}

// New builds a SessionError with At set to now.
func New(kind Kind, op string, cause error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Cause: cause, At: time.Now()}
}

// WithDirection sets Direction and returns the receiver for chaining.
func (e *SessionError) WithDirection(d Direction) *SessionError {
	e.Direction = d
	return e
}

// WithSession sets SessionID and returns the receiver for chaining.
func (e *SessionError) WithSession(id string) *SessionError {
	e.SessionID = id
	return e
}

func (e *SessionError) Error() string {
	if e.Direction != DirectionNone {
		return fmt.Sprintf("%s[%s/%s]: %v", e.Op, e.Kind, e.Direction, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Op, e.Kind, e.Cause)
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the wrapped failure kind is retryable.
func (e *SessionError) Retryable() bool {
	return e.Kind.Retryable()
}
