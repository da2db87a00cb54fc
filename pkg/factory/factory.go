// Package factory implements MediaChannelFactory (spec.md §4.1): channel
// allocation with unique object paths and session identifiers, and inbound
// INVITE routing via the NH-magic dialog-handle-to-channel map (spec.md §9).
// Grounded on pkg/dialog/manager.go (DialogManager tagKey indexing),
// generalized from a tag-keyed dialog table to this module's three-valued
// NULL/EXPIRED/live-channel token semantics.
package factory

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/sipcm/connmgr/pkg/channel"
	"github.com/sipcm/connmgr/pkg/cmerrors"
	"github.com/sipcm/connmgr/pkg/connlog"
	"github.com/sipcm/connmgr/pkg/handle"
	"github.com/sipcm/connmgr/pkg/mediaengine"
	"github.com/sipcm/connmgr/pkg/sipstack"
	"github.com/sipcm/connmgr/pkg/telemetry"
)

// ChannelType names a requested channel type. Only StreamedMedia is
// implemented (spec.md §4.1).
type ChannelType string

const StreamedMedia ChannelType = "STREAMED_MEDIA"

// HandleType names the handle_type argument of a Request (spec.md §4.1).
type HandleType string

const (
	HandleTypeNone    HandleType = "NONE"
	HandleTypeContact HandleType = "CONTACT"
)

// RequestResult is the outcome of a Request call.
type RequestResult string

const (
	Created             RequestResult = "Created"
	NotImplemented      RequestResult = "NotImplemented"
	InvalidHandleResult RequestResult = "InvalidHandle"
	ErrorResult         RequestResult = "Error"
)

// sessionIDFloor/Ceiling bound the random session identifier draw
// (spec.md §4.1: "random integers in [1_000_000, INT_MAX)").
const (
	sessionIDFloor   = 1_000_000
	sessionIDCeiling = int64(1)<<31 - 1 // INT_MAX (exclusive) for a 32-bit signed int
)

// Config wires a Factory to its collaborators.
type Config struct {
	ConnectionPath string
	SelfHandle     handle.Handle
	Handles        *handle.Repository
	Stack          sipstack.Stack
	Engine         mediaengine.Engine
	// NAT is stamped onto every channel this factory mints (spec.md §4.5
	// ConnectionHelpers: STUN plumbing to the channel's NAT traversal
	// descriptor).
	NAT     channel.NATTraversal
	Logger  connlog.Logger
	Metrics *telemetry.Metrics
}

// Factory is MediaChannelFactory: it allocates channels, demultiplexes
// inbound SIP events to them, and owns them until closed.
type Factory struct {
	mu sync.Mutex

	connectionPath string
	selfHandle     handle.Handle
	handles        *handle.Repository
	stack          sipstack.Stack
	engine         mediaengine.Engine
	nat            channel.NATTraversal
	log            connlog.Logger
	metrics        *telemetry.Metrics

	nextPathN int
	channels  map[string]*channel.Channel // by object path

	// routing is the NH-magic table (spec.md §9): dialog handle ID to
	// object path. expiredDialogs is the sticky EXPIRED sentinel set,
	// disjoint from routing's keys once a dialog has expired.
	routing        map[sipstack.DialogHandleID]string
	expiredDialogs map[sipstack.DialogHandleID]struct{}

	usedSessionIDs map[uint32]struct{}

	shuttingDown bool
}

// New builds an empty Factory.
func New(cfg Config) *Factory {
	log := cfg.Logger
	if log == nil {
		log = connlog.NoOp()
	}
	return &Factory{
		connectionPath: cfg.ConnectionPath,
		selfHandle:     cfg.SelfHandle,
		handles:        cfg.Handles,
		stack:          cfg.Stack,
		engine:         cfg.Engine,
		nat:            cfg.NAT,
		log:            log,
		metrics:        cfg.Metrics,
		channels:       make(map[string]*channel.Channel),
		routing:        make(map[sipstack.DialogHandleID]string),
		expiredDialogs: make(map[sipstack.DialogHandleID]struct{}),
		usedSessionIDs: make(map[uint32]struct{}),
	}
}

// Request implements the client-facing channel request (spec.md §4.1).
func (f *Factory) Request(chanType ChannelType, handleType HandleType, h handle.Handle) (*channel.Channel, RequestResult, error) {
	if chanType != StreamedMedia {
		return nil, NotImplemented, nil
	}

	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return nil, ErrorResult, cmerrors.New(cmerrors.InvalidArgument, "factory is shutting down")
	}
	if handleType == HandleTypeContact && h == f.selfHandle {
		f.mu.Unlock()
		return nil, InvalidHandleResult, cmerrors.New(cmerrors.InvalidHandle, "cannot request a channel to self")
	}
	path := f.allocatePathLocked()
	f.mu.Unlock()

	ch := channel.New(channel.Config{
		ObjectPath: path,
		SelfHandle: f.selfHandle,
		Handles:    f.handles,
		Stack:      f.stack,
		Events: channel.Events{
			OnClosed:      f.onChannelClosed,
			OnDialogBound: func(dh sipstack.DialogHandle, ch *channel.Channel) { f.BindDialog(dh, ch) },
		},
		Logger:  f.log,
		Metrics: f.metrics,
	})

	ch.SetNATTraversal(f.nat)

	f.mu.Lock()
	f.channels[path] = ch
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.ActiveChannels.Inc()
	}

	if handleType == HandleTypeContact {
		sessionID := f.allocateSessionID()
		if err := ch.AddMember(h, sessionID, f.engine); err != nil {
			f.removeChannel(path)
			if f.metrics != nil {
				f.metrics.ActiveChannels.Dec()
			}
			return nil, ErrorResult, err
		}
	}
	return ch, Created, nil
}

// ForEach visits every channel live when it was called. The snapshot is
// taken under the factory lock, but channels are visited outside it, so
// visitor may call other Factory methods; channels added or removed during
// the visit are not reflected in it.
func (f *Factory) ForEach(visitor func(*channel.Channel)) {
	f.mu.Lock()
	snapshot := make([]*channel.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		snapshot = append(snapshot, ch)
	}
	f.mu.Unlock()
	for _, ch := range snapshot {
		visitor(ch)
	}
}

// CloseAll closes every live channel; afterward the factory holds none and
// rejects further requests (spec.md §4.1: connection shutdown).
func (f *Factory) CloseAll() {
	f.mu.Lock()
	f.shuttingDown = true
	snapshot := make([]*channel.Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		snapshot = append(snapshot, ch)
	}
	f.mu.Unlock()

	for _, ch := range snapshot {
		_ = ch.Close()
	}
}

// RouteInvite implements inbound INVITE routing (spec.md §4.1): EXPIRED
// tokens get 481, live tokens are forwarded as re-INVITEs, and unknown
// handles mint a new channel from the From URI.
func (f *Factory) RouteInvite(dh sipstack.DialogHandle, fromURI string, fromHandle handle.Handle, sdpBody []byte) {
	id := dh.ID()

	f.mu.Lock()
	if _, expired := f.expiredDialogs[id]; expired {
		f.mu.Unlock()
		if err := f.stack.Respond(dh, 481, "Call Does Not Exist", nil, ""); err != nil {
			f.log.Error("respond 481 failed", err)
		}
		return
	}
	if path, ok := f.routing[id]; ok {
		ch := f.channels[path]
		f.mu.Unlock()
		if ch == nil {
			return
		}
		if err := ch.ReceiveReinvite(sdpBody); err != nil {
			f.log.Error("re-invite rejected", err)
		}
		return
	}
	f.mu.Unlock()

	ch, _, err := f.Request(StreamedMedia, HandleTypeNone, handle.None)
	if err != nil {
		f.log.Error("failed to mint channel for inbound invite", err)
		return
	}
	sessionID := f.allocateSessionID()
	if err := ch.ReceiveInvite(dh, fromHandle, sessionID, f.engine, sdpBody); err != nil {
		f.log.Error("receive invite rejected", err, connlog.F("from", fromURI))
		return
	}

	f.mu.Lock()
	f.routing[id] = ch.ObjectPath()
	f.mu.Unlock()
}

// BindDialog records that dh now routes to ch's object path — used once an
// outbound channel's session creates its dialog handle.
func (f *Factory) BindDialog(dh sipstack.DialogHandle, ch *channel.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routing[dh.ID()] = ch.ObjectPath()
}

// ExpireDialog marks a dialog handle's token EXPIRED, sticky for the
// lifetime of the factory (spec.md §4.3 "NH-magic contract").
func (f *Factory) ExpireDialog(dh sipstack.DialogHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := dh.ID()
	delete(f.routing, id)
	f.expiredDialogs[id] = struct{}{}
}

// IsExpired reports whether dh carries the sticky EXPIRED token (spec.md
// §4.3 "NH-magic contract").
func (f *Factory) IsExpired(dh sipstack.DialogHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, expired := f.expiredDialogs[dh.ID()]
	return expired
}

// ChannelForDialog resolves a dialog handle to its live channel, or nil if
// unrouted or expired.
func (f *Factory) ChannelForDialog(dh sipstack.DialogHandle) *channel.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.routing[dh.ID()]
	if !ok {
		return nil
	}
	return f.channels[path]
}

func (f *Factory) allocatePathLocked() string {
	n := f.nextPathN
	f.nextPathN++
	return fmt.Sprintf("%s/MediaChannel%d", f.connectionPath, n)
}

// allocateSessionID draws a random identifier in [1_000_000, INT_MAX) not
// already used by this factory in its lifetime (spec.md §4.1: "used IDs are
// remembered for the factory's lifetime to guarantee uniqueness against
// delayed peer retransmissions").
func (f *Factory) allocateSessionID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(sessionIDCeiling-sessionIDFloor))
		var id uint32
		if err != nil {
			// crypto/rand failure is effectively unrecoverable entropy
			// starvation; fall back to a degenerate but still in-range
			// deterministic probe rather than panicking the event loop.
			id = uint32(sessionIDFloor + len(f.usedSessionIDs))
		} else {
			id = uint32(n.Int64() + sessionIDFloor)
		}
		if _, used := f.usedSessionIDs[id]; !used {
			f.usedSessionIDs[id] = struct{}{}
			return id
		}
	}
}



func (f *Factory) onChannelClosed(path string) {
	f.removeChannel(path)
}

func (f *Factory) removeChannel(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, path)
	for id, p := range f.routing {
		if p == path {
			delete(f.routing, id)
			f.expiredDialogs[id] = struct{}{}
		}
	}
}
