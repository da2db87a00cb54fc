// Package sipstack declares the SIP stack capability this module consumes
// (spec.md §6: "a capability set {create NUA, create dialog handle bound to
// URI, send INVITE/BYE/REGISTER/MESSAGE/respond/authenticate, destroy
// handle, shutdown}") and a concrete adapter over github.com/emiago/sipgo.
//
// The rest of this module only ever talks to the Stack interface; swapping
// sipgo for another SIP library means writing a new adapter here, nothing
// else changes.
package sipstack

import "context"

// DialogHandleID identifies a dialog handle for map-keying purposes (the
// "HashMap<DialogHandleId, ChannelId>" of spec.md's design notes §9). Two
// DialogHandle values referring to the same underlying dialog compare equal
// IDs.
type DialogHandleID string

// DialogHandle is an opaque reference to a SIP dialog (established or
// pending), as produced and consumed by the SIP stack.
type DialogHandle interface {
	ID() DialogHandleID
}

// EventKind names the event categories from spec.md §4.4's dispatch table,
// kept as the sofia-sip-flavored names used throughout this design (r_* for
// responses to our requests, i_* for stack-initiated/incoming events).
type EventKind string

const (
	EventShutdown          EventKind = "r_shutdown"
	EventRegisterResponse  EventKind = "r_register"
	EventUnregisterResp    EventKind = "r_unregister"
	EventInviteResponse    EventKind = "r_invite"
	EventIncomingInvite    EventKind = "i_invite"
	EventDialogState       EventKind = "i_state"
	EventIncomingMessage   EventKind = "i_message"
	EventMessageResponse   EventKind = "r_message"
)

// Event is the single shape every stack event is delivered as. Only the
// fields relevant to Kind are populated; this is the "tagged variant with a
// payload per kind" from spec.md's design notes §9, expressed as one struct
// with a discriminant rather than a type switch over interfaces, which is
// how pkg/dialog's own sipgo-facing code shapes SIP responses (status +
// headers + body read directly off *sip.Response).
type Event struct {
	Kind   EventKind
	Status int    // response status, for r_* kinds
	Phrase string // response reason phrase, for r_* kinds

	Handle DialogHandle // nil only for EventShutdown

	// FromURI is the parsed From-header URI, populated for i_invite.
	FromURI string

	// AuthHeader is the raw WWW-Authenticate/Proxy-Authenticate header
	// value, populated on a 401/407 r_* event.
	AuthHeader string
	// AuthIsProxy is true when AuthHeader came from Proxy-Authenticate.
	AuthIsProxy bool

	// FromUser/ToUser are the userparts of the From/To headers, used by the
	// home-realm credential fallback (spec §4.4 step 4).
	FromUser string
	ToUser   string

	// Body/ContentType carry an SDP or message body, when present.
	Body        []byte
	ContentType string

	// Terminated is set on i_state events that represent dialog end.
	Terminated bool
}

// RegisterOpts configures an outbound REGISTER.
type RegisterOpts struct {
	ExpirySeconds int
	// ContactParams carries ConnectionHelpers.ContactFeatures' feature-tag
	// set (spec.md §4.5) onto the REGISTER's Contact header.
	ContactParams map[string]string
}

// InviteOpts configures an outbound INVITE.
type InviteOpts struct {
	SDP []byte
	// RTPSort/RTPSelect mirror the two preferences spec.md §4.2 names
	// ("REMOTE"/"ALL") which the underlying stack uses to decide how to pick
	// among several codecs/candidates offered; passed through verbatim.
	RTPSort   string
	RTPSelect string
}

// Stack is the SIP stack capability this module consumes. Implementations
// must deliver events for a single dialog handle in the order they were
// produced (spec §5).
type Stack interface {
	// Start brings up transports and begins delivering events on Events().
	Start(ctx context.Context) error
	// Shutdown tears down every dialog and the stack instance.
	Shutdown(ctx context.Context) error

	// NewDialogHandle creates a dialog handle bound to target, ready to
	// carry an outbound INVITE or REGISTER.
	NewDialogHandle(ctx context.Context, target string) (DialogHandle, error)

	SendInvite(h DialogHandle, opts InviteOpts) error
	SendBye(h DialogHandle) error
	SendRegister(ctx context.Context, accountURI, registrarURI string, opts RegisterOpts) (DialogHandle, error)
	SendMessage(h DialogHandle, body []byte, contentType string) error

	// Respond sends a final response on h (e.g. 200 OK with an SDP answer,
	// or a 4xx/6xx rejection).
	Respond(h DialogHandle, status int, phrase string, body []byte, contentType string) error

	// Authenticate submits authToken as the next authentication response for
	// the transaction h is tied to (spec §4.4 step 6: nua_authenticate
	// equivalent).
	Authenticate(h DialogHandle, authToken string) error

	// Ping sends an out-of-dialog keepalive (an OPTIONS request) on h, at the
	// cadence ConnectionHelpers.KeepaliveInterval computes (spec.md §4.5).
	// It does not produce an Event; keepalive traffic never drives dialog or
	// registration state.
	Ping(h DialogHandle) error

	// Destroy releases the resources backing h.
	Destroy(h DialogHandle)

	// Events delivers every event the stack produces, single-threaded: the
	// caller must drain it from one goroutine only (spec §5).
	Events() <-chan Event
}
