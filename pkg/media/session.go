package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sipcm/connmgr/pkg/cmerrors"
	"github.com/sipcm/connmgr/pkg/connlog"
	"github.com/sipcm/connmgr/pkg/handle"
	"github.com/sipcm/connmgr/pkg/mediaengine"
	"github.com/sipcm/connmgr/pkg/sipstack"
	"github.com/sipcm/connmgr/pkg/telemetry"
)

// sessionTimeout is the fixed 50-second PENDING_INITIATED watchdog (spec.md §4.2).
const sessionTimeout = 50 * time.Second

// Exported state names, for callers (channel, factory, connection,
// tests) that need to compare against Session.State() without reaching
// into this package's internals.
const (
	StateCreated   = "PENDING_CREATED"
	StateInitiated = "PENDING_INITIATED"
	StateActive    = "ACTIVE"
	StateEnded     = "ENDED"
)

const (
	stateCreated   = StateCreated
	stateInitiated = StateInitiated
	stateActive    = StateActive
	stateEnded     = StateEnded
)

// Config wires a Session to its collaborators. Logger, Metrics and the two
// callbacks may be left nil; DialogHandle is nil for an outbound session.
type Config struct {
	ID              uint32
	InitiatorHandle handle.Handle
	PeerHandle      handle.Handle
	SelfHandle      handle.Handle

	Handles *handle.Repository
	Stack   sipstack.Stack
	Engine  mediaengine.Engine

	// DialogHandle is non-nil for an inbound session (the dialog already
	// exists from the incoming INVITE); nil for an outbound session, which
	// creates its dialog handle lazily when the first offer is ready to send.
	DialogHandle sipstack.DialogHandle

	// OnDialogBound is invoked once, the moment an outbound session creates
	// its dialog handle, so the owning channel can bind to it (spec.md §4.3:
	// "dialog handle, once non-null, never changes").
	OnDialogBound func(sipstack.DialogHandle)
	// OnTerminated is invoked exactly once when the session reaches ENDED.
	OnTerminated func(err error)

	Logger  connlog.Logger
	Metrics *telemetry.Metrics
}

// Session is a MediaSession: the ordered stream list for one call and the
// offer/answer state machine driving it (spec.md §4.2 — "the core of the
// core"). Grounded on pkg/media_with_sdp's session composition,
// generalized from RTP-session ownership to pure SDP bookkeeping, and on the
// teacher's looplab/fsm usage (pkg/dialog/refer_fsm.go) for state transitions.
type Session struct {
	mu sync.Mutex

	id              uint32
	initiatorHandle handle.Handle
	peerHandle      handle.Handle
	selfHandle      handle.Handle
	outbound        bool

	handles *handle.Repository
	stack   sipstack.Stack
	engine  mediaengine.Engine

	dialogHandle  sipstack.DialogHandle
	onDialogBound func(sipstack.DialogHandle)
	onTerminated  func(err error)
	terminatedSig bool

	streams []*Stream

	offerPending    bool
	locallyAccepted bool

	fsm *fsm.FSM

	// timer has its own mutex, separate from mu: fsm callbacks that arm/
	// cancel it run synchronously inside fsm.Event while mu is already held
	// by reconcile, and mu is not reentrant.
	timerMu sync.Mutex
	timer   *time.Timer

	log     connlog.Logger
	metrics *telemetry.Metrics
}

// New builds a Session in PENDING_CREATED. Use Start for an outbound call or
// ApplyInitialOffer for an inbound one to populate its stream list.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = connlog.NoOp()
	}
	s := &Session{
		id:              cfg.ID,
		initiatorHandle: cfg.InitiatorHandle,
		peerHandle:      cfg.PeerHandle,
		selfHandle:      cfg.SelfHandle,
		outbound:        cfg.InitiatorHandle == cfg.SelfHandle,
		handles:         cfg.Handles,
		stack:           cfg.Stack,
		engine:          cfg.Engine,
		dialogHandle:    cfg.DialogHandle,
		onDialogBound:   cfg.OnDialogBound,
		onTerminated:    cfg.OnTerminated,
		log:             log.With(connlog.F("session_id", cfg.ID)),
		metrics:         cfg.Metrics,
	}
	s.fsm = fsm.NewFSM(
		stateCreated,
		fsm.Events{
			{Name: "ready", Src: []string{stateCreated}, Dst: stateInitiated},
			{Name: "applied", Src: []string{stateInitiated}, Dst: stateActive},
			{Name: "terminate", Src: []string{stateCreated, stateInitiated, stateActive}, Dst: stateEnded},
		},
		fsm.Callbacks{
			"enter_" + stateInitiated: func(ctx context.Context, e *fsm.Event) { s.armTimer() },
			"enter_" + stateActive:    func(ctx context.Context, e *fsm.Event) { s.cancelTimer() },
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				if s.metrics != nil {
					s.metrics.SessionState.WithLabelValues(e.Dst).Inc()
				}
				s.log.Debug("session state transition", connlog.F("from", e.Src), connlog.F("to", e.Dst))
			},
		},
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uint32 { return s.id }

// State returns the current state name.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// DialogHandle returns the bound dialog handle, or nil before an outbound
// offer has been sent.
func (s *Session) DialogHandle() sipstack.DialogHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialogHandle
}

// Streams returns a snapshot of the session's current stream list, in
// m-line order.
func (s *Session) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// AddStream adds a locally-originated stream (used to build an outbound
// offer before any remote SDP exists).
func (s *Session) AddStream(mediaType Type) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := len(s.streams)
	st, err := NewStream(index, mediaType, s.engine, s.reconcile)
	if err != nil {
		return nil, fmt.Errorf("add stream: %w", err)
	}
	s.streams = append(s.streams, st)
	return st, nil
}

// Start arms the session as an outbound offer: once all streams are ready,
// the offer/answer step sends the initial INVITE.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.offerPending = true
	s.mu.Unlock()
	s.reconcile()
}

// ApplyInitialOffer parses an inbound INVITE's SDP body, creating one Stream
// per m-line (spec.md §4.2, scenario 7: unsupported m-lines get a sentinel
// stream to preserve ordinal position), and arms the session to answer once
// locally accepted.
func (s *Session) ApplyInitialOffer(body []byte) error {
	types, err := parseMediaTypes(body)
	if err != nil {
		return cmerrors.Wrap(cmerrors.InvalidArgument, "parse initial offer", err)
	}
	if len(types) == 0 {
		return cmerrors.New(cmerrors.MediaUnsupported, "initial offer has no m-lines")
	}

	s.mu.Lock()
	hasSupported := false
	for i, t := range types {
		st, err := NewStream(i, t, s.engine, s.reconcile)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("create stream %d: %w", i, err)
		}
		if err := st.ApplyRemote(i, string(body)); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("apply remote to stream %d: %w", i, err)
		}
		s.streams = append(s.streams, st)
		if t != Unsupported {
			hasSupported = true
		}
	}
	if !hasSupported {
		s.mu.Unlock()
		return cmerrors.New(cmerrors.MediaUnsupported, "initial offer has no audio or video m-line")
	}
	s.offerPending = true
	s.mu.Unlock()

	s.reconcile()
	return nil
}

// ApplyRemoteSDP applies a subsequent (re-INVITE or answer) remote SDP body
// to the existing stream list, growing it if the new body has more m-lines
// than before (spec.md §4.2 "Remote SDP application"; [ADD 0.2] supplement
// from the original source's session_chans growth behavior on re-INVITE
// rather than erroring).
func (s *Session) ApplyRemoteSDP(body []byte) error {
	types, err := parseMediaTypes(body)
	if err != nil {
		return cmerrors.Wrap(cmerrors.InvalidArgument, "parse remote sdp", err)
	}

	s.mu.Lock()
	hasSupported := false
	for i, t := range types {
		var st *Stream
		if i < len(s.streams) {
			st = s.streams[i]
		} else {
			st, err = NewStream(i, t, s.engine, s.reconcile)
			if err != nil {
				s.mu.Unlock()
				return fmt.Errorf("create stream %d: %w", i, err)
			}
			s.streams = append(s.streams, st)
		}
		if err := st.ApplyRemote(i, string(body)); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("apply remote to stream %d: %w", i, err)
		}
		if st.Type != Unsupported {
			hasSupported = true
		}
	}
	s.mu.Unlock()

	if !hasSupported {
		return cmerrors.New(cmerrors.MediaUnsupported, "remote sdp has no audio or video m-line")
	}
	s.reconcile()
	return nil
}

// ReceiveReinvite re-arms offer-pending and re-runs the step (spec.md §4.3:
// "ReceiveReinvite ... forwards to MediaSession which re-arms offer-pending
// and re-runs the step"). body is the re-INVITE's new SDP.
func (s *Session) ReceiveReinvite(body []byte) error {
	if err := s.ApplyRemoteSDP(body); err != nil {
		return err
	}
	s.mu.Lock()
	s.offerPending = true
	s.mu.Unlock()
	s.reconcile()
	return nil
}

// Accept flips the local-acceptance flag and re-runs the step. No-op if
// already accepted.
func (s *Session) Accept() {
	s.mu.Lock()
	s.locallyAccepted = true
	s.mu.Unlock()
	s.reconcile()
}

// reconcile advances the state machine as far as current stream flags allow,
// then runs the offer/answer step. Safe to call repeatedly with no
// intervening input (spec.md §8: offer/answer idempotence).
func (s *Session) reconcile() {
	s.mu.Lock()
	for s.advanceLocked() {
	}
	s.mu.Unlock()
	s.step()
}

// advanceLocked fires at most one fsm transition and reports whether it did,
// so reconcile can keep advancing while a newly-reached state's condition is
// already satisfied (e.g. an inbound session whose remote SDP was applied
// before its streams ever became ready).
func (s *Session) advanceLocked() bool {
	switch s.fsm.Current() {
	case stateCreated:
		if !s.allStreamsReadyLocked() {
			return false
		}
		return s.fsm.Event(context.Background(), "ready") == nil
	case stateInitiated:
		if !s.allRemoteAppliedLocked() {
			return false
		}
		return s.fsm.Event(context.Background(), "applied") == nil
	}
	return false
}

func (s *Session) allStreamsReadyLocked() bool {
	if len(s.streams) == 0 {
		return false
	}
	for _, st := range s.streams {
		if !st.IsReady() {
			return false
		}
	}
	return true
}

func (s *Session) allRemoteAppliedLocked() bool {
	if len(s.streams) == 0 {
		return false
	}
	for _, st := range s.streams {
		if !st.remoteApplied {
			return false
		}
	}
	return true
}

// step is the offer/answer step (spec.md §4.2): idempotent, proceeds only
// when every stream is ready and an offer or answer is pending.
func (s *Session) step() {
	s.mu.Lock()
	if s.fsm.Current() == stateEnded {
		s.mu.Unlock()
		return
	}
	if !s.allStreamsReadyLocked() || !s.offerPending {
		if s.metrics != nil {
			s.metrics.OfferAnswerRetries.Inc()
		}
		s.mu.Unlock()
		return
	}
	if !s.outbound && !s.locallyAccepted {
		s.mu.Unlock()
		return
	}

	fragments := make([]string, len(s.streams))
	for i, st := range s.streams {
		fragments[i] = st.LocalSDP()
	}
	envelope, err := buildEnvelope(uint64(s.id))
	if err != nil {
		s.mu.Unlock()
		s.fail(cmerrors.Wrap(cmerrors.InvalidArgument, "build local sdp", err))
		return
	}
	sdpBody := joinFragments(envelope, fragments)
	outbound := s.outbound
	dialogHandle := s.dialogHandle
	streams := s.streams
	s.offerPending = false
	s.mu.Unlock()

	for _, st := range streams {
		_ = st.SetPlaying(true)
	}

	if outbound {
		if dialogHandle == nil {
			uri, ok := s.handles.URIFor(s.peerHandle)
			if !ok {
				s.fail(cmerrors.New(cmerrors.InvalidHandle, "peer handle not resolvable"))
				return
			}
			h, err := s.stack.NewDialogHandle(context.Background(), uri)
			if err != nil {
				s.fail(cmerrors.Wrap(cmerrors.NetworkError, "create dialog handle", err))
				return
			}
			s.mu.Lock()
			s.dialogHandle = h
			s.mu.Unlock()
			dialogHandle = h
			if s.onDialogBound != nil {
				s.onDialogBound(h)
			}
		}
		if err := s.stack.SendInvite(dialogHandle, sipstack.InviteOpts{
			SDP:       []byte(sdpBody),
			RTPSort:   "REMOTE",
			RTPSelect: "ALL",
		}); err != nil {
			s.fail(cmerrors.Wrap(cmerrors.NetworkError, "send invite", err))
			return
		}
		s.log.Info("sent offer", connlog.F("dialog", string(dialogHandle.ID())))
		return
	}

	if dialogHandle == nil {
		s.fail(cmerrors.New(cmerrors.InvalidArgument, "no dialog handle to answer on"))
		return
	}
	if err := s.stack.Respond(dialogHandle, 200, "OK", []byte(sdpBody), "application/sdp"); err != nil {
		s.fail(cmerrors.Wrap(cmerrors.NetworkError, "send answer", err))
		return
	}
	s.log.Info("sent answer", connlog.F("dialog", string(dialogHandle.ID())))
}

// Terminate ends the session: sends BYE if a dialog is established, cancels
// the timer, and fires OnTerminated exactly once. Idempotent (spec.md §4.2:
// "once ENDED, terminate is idempotent and no SIP traffic is emitted").
func (s *Session) Terminate(cause error) {
	s.mu.Lock()
	if s.fsm.Current() == stateEnded {
		s.mu.Unlock()
		return
	}
	// An outbound session's dialog handle is bound as soon as the initial
	// INVITE is sent (spec.md §4.2), before any response — SIP does not
	// consider that dialog established until a final 2xx arrives. BYE tears
	// down an established dialog; an unanswered outbound INVITE is torn down
	// by CANCEL instead, which is out of this core's scope (spec.md §8
	// scenario 5: a rejected/unanswered outbound INVITE sends no BYE). An
	// inbound session's dialog handle instead comes from an INVITE already
	// received, so it is always eligible.
	established := !s.outbound || s.fsm.Current() == stateActive
	shouldBye := established && (s.fsm.Current() == stateInitiated || s.fsm.Current() == stateActive) && s.dialogHandle != nil
	dialogHandle := s.dialogHandle
	s.mu.Unlock()

	s.cancelTimer()
	if shouldBye {
		if err := s.stack.SendBye(dialogHandle); err != nil {
			s.log.Error("send bye failed", err)
		}
	}

	s.mu.Lock()
	_ = s.fsm.Event(context.Background(), "terminate")
	alreadySignaled := s.terminatedSig
	s.terminatedSig = true
	cb := s.onTerminated
	s.mu.Unlock()

	if !alreadySignaled && cb != nil {
		cb(cause)
	}
}

func (s *Session) fail(err error) {
	s.log.Error("session failed", err)
	s.Terminate(err)
}

func (s *Session) armTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(sessionTimeout, func() {
		if s.metrics != nil {
			s.metrics.SessionTimeouts.Inc()
		}
		s.Terminate(cmerrors.New(cmerrors.LocalTimeout, "session stayed in PENDING_INITIATED past the timeout"))
	})
}

func (s *Session) cancelTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
