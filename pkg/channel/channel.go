// Package channel implements MediaChannel (spec.md §4.3): the call-control
// façade over one MediaSession — membership, accept/reject/close, and the
// binding between a SIP dialog handle and a channel. Grounded on the
// teacher's pkg/dialog (dialog.go doc comment, state handling) generalized
// from a raw SIP dialog wrapper to a channel that owns exactly one
// MediaSession.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipcm/connmgr/pkg/cmerrors"
	"github.com/sipcm/connmgr/pkg/connlog"
	"github.com/sipcm/connmgr/pkg/handle"
	"github.com/sipcm/connmgr/pkg/media"
	"github.com/sipcm/connmgr/pkg/mediaengine"
	"github.com/sipcm/connmgr/pkg/sipstack"
	"github.com/sipcm/connmgr/pkg/telemetry"
)

// NATTraversal describes a channel's NAT traversal configuration
// (spec.md §3: "none" or "stun"+server+port).
type NATTraversal struct {
	Mode   string // "none" or "stun"
	Server string
	Port   int
}

// Members is a MediaChannel's membership sets (spec.md §3): current,
// local-pending, and remote-pending. In this design a STREAMED_MEDIA
// channel has exactly one peer once set, so these are modeled as handle
// sets of size 0 or 1 rather than general collections, matching the
// spec's "caller, callee, self" framing.
type Members struct {
	Current       map[handle.Handle]struct{}
	LocalPending  map[handle.Handle]struct{}
	RemotePending map[handle.Handle]struct{}
}

func newMembers() Members {
	return Members{
		Current:       make(map[handle.Handle]struct{}),
		LocalPending:  make(map[handle.Handle]struct{}),
		RemotePending: make(map[handle.Handle]struct{}),
	}
}

// Events are the notifications a MediaChannel emits toward its owning
// factory/connection (spec.md §6: "NewChannel and NewStream events are
// broadcast when entities are created; Closed when destroyed"), modeled as
// a callback struct per pkg/manager_media's ManagerConfig convention rather than a
// publish/subscribe bus (the bus itself is out of scope, §1).
type Events struct {
	OnClosed      func(objectPath string)
	OnPeerError   func(status int, phrase string)
	OnDialogBound func(dh sipstack.DialogHandle, ch *Channel)
}

// Config wires a Channel to its collaborators.
type Config struct {
	ObjectPath string
	Creator    handle.Handle
	SelfHandle handle.Handle
	Handles    *handle.Repository
	Stack      sipstack.Stack
	Events     Events
	Logger     connlog.Logger
	Metrics    *telemetry.Metrics
}

// Channel is a MediaChannel: membership, acceptance, and the binding
// between a SIP dialog handle and a MediaSession (spec.md §4.3).
type Channel struct {
	mu sync.Mutex

	objectPath string
	creator    handle.Handle
	selfHandle handle.Handle
	peer       handle.Handle

	dialogHandle sipstack.DialogHandle
	session      *media.Session
	members      Members
	nat          NATTraversal
	closed       bool

	handles *handle.Repository
	stack   sipstack.Stack
	events  Events
	log     connlog.Logger
	metrics *telemetry.Metrics
}

// New creates a fresh, empty channel (no peer, no session yet). Callers use
// AddMember for an outgoing channel or ReceiveInvite for an incoming one to
// populate it.
func New(cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = connlog.NoOp()
	}
	return &Channel{
		objectPath: cfg.ObjectPath,
		creator:    cfg.Creator,
		selfHandle: cfg.SelfHandle,
		members:    newMembers(),
		handles:    cfg.Handles,
		stack:      cfg.Stack,
		events:     cfg.Events,
		log:        log.With(connlog.F("object_path", cfg.ObjectPath)),
		metrics:    cfg.Metrics,
	}
}

// ObjectPath returns this channel's stable object path.
func (c *Channel) ObjectPath() string { return c.objectPath }

// Peer returns the peer handle, or handle.None if not yet set.
func (c *Channel) Peer() handle.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Session returns the channel's owned MediaSession, or nil before one
// exists.
func (c *Channel) Session() *media.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// DialogHandle returns the bound dialog handle, or nil.
func (c *Channel) DialogHandle() sipstack.DialogHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialogHandle
}

// Closed reports whether Close has already run.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetNATTraversal records the channel's NAT traversal descriptor
// (spec.md §3), plumbed through from ConnectionHelpers' STUN configuration.
func (c *Channel) SetNATTraversal(n NATTraversal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nat = n
}

// NATTraversal returns the channel's NAT traversal descriptor.
func (c *Channel) NATTraversal() NATTraversal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nat
}

// AddMember sets the channel's peer for a freshly minted outgoing channel
// and creates its MediaSession as the initiator (spec.md §4.3: "only valid
// on a freshly minted outgoing channel; sets peer").
func (c *Channel) AddMember(peer handle.Handle, sessionID uint32, engine mediaengine.Engine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != handle.None {
		return cmerrors.New(cmerrors.InvalidArgument, "channel already has a peer")
	}
	if peer == c.selfHandle {
		return cmerrors.New(cmerrors.InvalidHandle, "cannot add self as peer")
	}
	c.peer = peer
	c.members.LocalPending[peer] = struct{}{}
	c.handles.Ref(peer)

	c.session = media.New(media.Config{
		ID:              sessionID,
		InitiatorHandle: c.selfHandle,
		PeerHandle:      peer,
		SelfHandle:      c.selfHandle,
		Handles:         c.handles,
		Stack:           c.stack,
		Engine:          engine,
		OnDialogBound:   c.bindDialogHandle,
		OnTerminated:    c.onSessionTerminated,
		Logger:          c.log,
		Metrics:         c.metrics,
	})
	return nil
}

// ReceiveInvite binds an inbound dialog handle and creates the channel's
// MediaSession as the callee, applying the initial offer (spec.md §4.3:
// "On incoming, ReceiveInvite(dialog_handle, from_handle) does the
// equivalent [of AddMember]").
func (c *Channel) ReceiveInvite(dh sipstack.DialogHandle, from handle.Handle, sessionID uint32, engine mediaengine.Engine, sdpBody []byte) error {
	c.mu.Lock()
	if c.peer != handle.None {
		c.mu.Unlock()
		return cmerrors.New(cmerrors.InvalidArgument, "channel already has a peer")
	}
	c.peer = from
	c.dialogHandle = dh
	c.members.RemotePending[from] = struct{}{}
	c.handles.Ref(from)

	c.session = media.New(media.Config{
		ID:              sessionID,
		InitiatorHandle: from,
		PeerHandle:      from,
		SelfHandle:      c.selfHandle,
		Handles:         c.handles,
		Stack:           c.stack,
		Engine:          engine,
		DialogHandle:    dh,
		OnTerminated:    c.onSessionTerminated,
		Logger:          c.log,
		Metrics:         c.metrics,
	})
	session := c.session
	c.mu.Unlock()

	if err := session.ApplyInitialOffer(sdpBody); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// ReceiveReinvite forwards a re-INVITE's new SDP body to the session
// (spec.md §4.3).
func (c *Channel) ReceiveReinvite(sdpBody []byte) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return cmerrors.New(cmerrors.InvalidArgument, "re-invite on a channel with no session")
	}
	return session.ReceiveReinvite(sdpBody)
}

// Accept flips local acceptance and runs the session's offer/answer step.
// It does not start an outbound session (StartOutbound does that); Accept
// is meaningful for inbound channels awaiting user acceptance.
func (c *Channel) Accept() error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return cmerrors.New(cmerrors.InvalidArgument, "accept on a channel with no session")
	}
	session.Accept()
	return nil
}

// Reject declines the channel. If the dialog never established, this sends
// 603 Decline and terminates; otherwise it behaves like Close.
func (c *Channel) Reject() error {
	c.mu.Lock()
	session := c.session
	dh := c.dialogHandle
	c.mu.Unlock()
	if dh != nil && session != nil && session.State() != media.StateActive {
		if err := c.stack.Respond(dh, 603, "Decline", nil, ""); err != nil {
			c.log.Error("send decline failed", err)
		}
	}
	return c.terminate(cmerrors.New(cmerrors.InvalidArgument, "rejected locally"))
}

// Close terminates the session (sending BYE if applicable), marks the
// channel closed, and emits Closed exactly once (spec.md §4.3).
func (c *Channel) Close() error {
	return c.terminate(nil)
}

func (c *Channel) terminate(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	session := c.session
	c.mu.Unlock()

	if session != nil {
		session.Terminate(cause)
	} else {
		c.onSessionTerminated(cause)
	}
	return nil
}

// onSessionTerminated is the session's OnTerminated callback: it marks the
// channel closed and fires the Closed event exactly once, idempotently
// (spec.md §5: "Channel close is idempotent and must be safe to invoke from
// within a signal handler of the channel's own 'closed' emission").
func (c *Channel) onSessionTerminated(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	peer := c.peer
	c.mu.Unlock()

	c.handles.Unref(peer)
	if c.metrics != nil {
		c.metrics.ActiveChannels.Dec()
	}
	c.log.Info("channel closed", connlog.F("cause", fmt.Sprint(cause)))
	if c.events.OnClosed != nil {
		c.events.OnClosed(c.objectPath)
	}
}

// PeerError surfaces a SIP error response from the peer (spec.md §4.3): if
// received during INVITE it terminates the channel, unless status is 487
// during a self-initiated cancel.
func (c *Channel) PeerError(status int, phrase string) {
	if status == 487 && c.Closed() {
		// Request Terminated after we tore the channel down ourselves is the
		// expected answer to our own cancel; nothing left to surface.
		return
	}
	if c.events.OnPeerError != nil {
		c.events.OnPeerError(status, phrase)
	}
	if c.metrics != nil {
		c.metrics.RemotePeerErrors.WithLabelValues(fmt.Sprint(status)).Inc()
	}
	_ = c.terminate(cmerrors.NewRemotePeerError(status, phrase))
}

func (c *Channel) bindDialogHandle(h sipstack.DialogHandle) {
	c.mu.Lock()
	alreadyBound := c.dialogHandle != nil
	if !alreadyBound {
		c.dialogHandle = h
	}
	c.mu.Unlock()
	if !alreadyBound && c.events.OnDialogBound != nil {
		c.events.OnDialogBound(h, c)
	}
}

// StartOutbound arms the freshly-created session to send its initial
// INVITE once local media is ready.
func (c *Channel) StartOutbound(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return cmerrors.New(cmerrors.InvalidArgument, "start on a channel with no session")
	}
	session.Start(ctx)
	return nil
}
