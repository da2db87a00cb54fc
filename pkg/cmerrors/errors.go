// Package cmerrors defines the error kinds surfaced by the call-control core.
//
// Every error the core produces carries one of these kinds so callers can
// branch on them with errors.As instead of string matching, and so that
// Connection- vs channel-scoped propagation (spec §7) is mechanical: a
// *Error whose Kind is Connection-scoped terminates the whole Connection,
// one whose Kind is channel-scoped only terminates that MediaChannel.
package cmerrors

import "fmt"

// Kind identifies one of the error kinds from spec §7.
type Kind string

const (
	// AuthFailed: credentials rejected after loop-detection, or REGISTER
	// returned 403. Connection-scoped, terminal.
	AuthFailed Kind = "AuthFailed"

	// NetworkError: REGISTER >=300 other than 403, or transport failure.
	// Connection-scoped, terminal.
	NetworkError Kind = "NetworkError"

	// InvalidHandle: request named a handle the repository rejects, or a
	// self-call was attempted.
	InvalidHandle Kind = "InvalidHandle"

	// InvalidArgument: request for an unsupported channel type, or
	// malformed SDP.
	InvalidArgument Kind = "InvalidArgument"

	// RemotePeerError: the peer rejected or errored an INVITE (status>=300).
	// Channel-scoped.
	RemotePeerError Kind = "RemotePeerError"

	// LocalTimeout: session stayed in PENDING_INITIATED longer than the
	// session timeout. Channel-scoped.
	LocalTimeout Kind = "LocalTimeout"

	// MediaUnsupported: remote SDP contained no audio or video m-line.
	// Channel-scoped.
	MediaUnsupported Kind = "MediaUnsupported"
)

// ConnectionScoped reports whether an error of this kind terminates the
// whole Connection (true) or only the channel/session it was raised on
// (false), per spec §7's propagation policy.
func (k Kind) ConnectionScoped() bool {
	switch k {
	case AuthFailed, NetworkError:
		return true
	default:
		return false
	}
}

// Error is the structured error type returned by this module's packages.
// Modeled on pkg/dialog's DialogError (category + cause + Unwrap), trimmed
// to the kinds this spec actually defines.
type Error struct {
	Kind    Kind
	Message string

	// Status/Phrase are populated for RemotePeerError: the SIP response
	// status code and reason phrase the peer sent.
	Status int
	Phrase string

	Cause error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%d %s)", e.Kind, e.Message, e.Status, e.Phrase)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewRemotePeerError builds the RemotePeerError kind carrying the SIP
// status/phrase the peer sent (spec §7, §8 scenario 5).
func NewRemotePeerError(status int, phrase string) *Error {
	return &Error{
		Kind:    RemotePeerError,
		Message: "remote peer rejected the request",
		Status:  status,
		Phrase:  phrase,
	}
}
