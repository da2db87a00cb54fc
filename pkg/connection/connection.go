// Package connection implements ConnectionCore (spec.md §4.4): the REGISTER
// state machine, the 401/407 challenge handler and its auth ledger, and the
// event dispatch table that routes SIP stack events to the media channel
// factory or to individual channels. Grounded on pkg/dialog/refer_fsm.go
// for the looplab/fsm usage; the real RFC 2617 digest computation lives in
// the sipstack adapter, which is the only layer holding the captured
// challenge and the in-flight request to resubmit.
package connection

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sipcm/connmgr/pkg/channel"
	"github.com/sipcm/connmgr/pkg/cmerrors"
	"github.com/sipcm/connmgr/pkg/connconfig"
	"github.com/sipcm/connmgr/pkg/connhelpers"
	"github.com/sipcm/connmgr/pkg/connlog"
	"github.com/sipcm/connmgr/pkg/factory"
	"github.com/sipcm/connmgr/pkg/handle"
	"github.com/sipcm/connmgr/pkg/mediaengine"
	"github.com/sipcm/connmgr/pkg/sipstack"
	"github.com/sipcm/connmgr/pkg/telemetry"
)

// Status names the Connection status machine (spec.md §3).
const (
	StatusDisconnected = "DISCONNECTED"
	StatusConnecting   = "CONNECTING"
	StatusConnected    = "CONNECTED"
)

// challengeResult is the challenge handler's three-way outcome (spec.md
// §4.4 step 3-5: FAILURE / HANDLED / PASS).
type challengeResult int

const (
	challengePass challengeResult = iota
	challengeHandled
	challengeFailure
)

// Config wires a Core to its collaborators.
type Config struct {
	ConnectionPath string
	Settings       *connconfig.ConnectionConfig
	Handles        *handle.Repository
	Stack          sipstack.Stack
	Engine         mediaengine.Engine
	Logger         connlog.Logger
	Metrics        *telemetry.Metrics

	// OnStatusChanged is invoked once per status transition (spec.md §3:
	// "Status is one of {DISCONNECTED, CONNECTING, CONNECTED}"), with the
	// terminating cause when the transition is to DISCONNECTED.
	OnStatusChanged func(status string, cause error)
}

// Core is ConnectionCore: the SIP stack handle, the REGISTER lifecycle and
// auth ledger, and the event dispatcher that feeds the media channel
// factory (spec.md §4.4).
type Core struct {
	cfg     *connconfig.ConnectionConfig
	handles *handle.Repository
	stack   sipstack.Stack
	factory *factory.Factory

	selfHandle handle.Handle

	authMu         sync.Mutex
	registrarRealm string
	lastSentAuth   string

	statusMu sync.Mutex
	fsm      *fsm.FSM

	registerHandle sipstack.DialogHandle

	log             connlog.Logger
	metrics         *telemetry.Metrics
	onStatusChanged func(status string, cause error)
}

// New builds a Core against its collaborators and mints the self handle
// from the account URI. It does not yet issue REGISTER; call Start for that.
func New(cfg Config) *Core {
	log := cfg.Logger
	if log == nil {
		log = connlog.NoOp()
	}
	self := cfg.Handles.HandleFor(cfg.Settings.AccountURI)

	nat := channel.NATTraversal{Mode: "none"}
	if cfg.Settings.STUNHost != "" {
		nat = channel.NATTraversal{Mode: "stun", Server: cfg.Settings.STUNHost, Port: cfg.Settings.STUNPort}
	}

	f := factory.New(factory.Config{
		ConnectionPath: cfg.ConnectionPath,
		SelfHandle:     self,
		Handles:        cfg.Handles,
		Stack:          cfg.Stack,
		Engine:         cfg.Engine,
		NAT:            nat,
		Logger:         log,
		Metrics:        cfg.Metrics,
	})

	c := &Core{
		cfg:             cfg.Settings,
		handles:         cfg.Handles,
		stack:           cfg.Stack,
		factory:         f,
		selfHandle:      self,
		log:             log,
		metrics:         cfg.Metrics,
		onStatusChanged: cfg.OnStatusChanged,
	}
	c.fsm = fsm.NewFSM(
		StatusConnecting,
		fsm.Events{
			{Name: "connect", Src: []string{StatusConnecting}, Dst: StatusConnected},
			{Name: "disconnect", Src: []string{StatusConnecting, StatusConnected}, Dst: StatusDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				var cause error
				if len(e.Args) > 0 {
					cause, _ = e.Args[0].(error)
				}
				if c.onStatusChanged != nil {
					c.onStatusChanged(e.Dst, cause)
				}
			},
		},
	)
	return c
}

// Status returns the current connection status.
func (c *Core) Status() string {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.fsm.Current()
}

// Factory exposes the owned MediaChannelFactory, the entry point for
// client-initiated channel requests (spec.md §4.1).
func (c *Core) Factory() *factory.Factory { return c.factory }

// SelfHandle returns this connection's own contact handle.
func (c *Core) SelfHandle() handle.Handle { return c.selfHandle }

// RequestChannel resolves targetURI (if any) to a handle and requests a
// STREAMED_MEDIA channel through the factory (spec.md §4.1). For a CONTACT
// request the caller still must add streams to the returned channel's
// session and call StartOutbound once local media is configured (spec.md
// §4.2 "Outbound" step runs only once every stream is ready).
func (c *Core) RequestChannel(handleType factory.HandleType, targetURI string) (*channel.Channel, factory.RequestResult, error) {
	var h handle.Handle
	if targetURI != "" {
		h = c.handles.HandleFor(targetURI)
	}
	return c.factory.Request(factory.StreamedMedia, handleType, h)
}

// Start brings the connection up: CONNECTING on entry, issues the initial
// REGISTER, then runs the event loop until the stack's event channel closes
// or ctx is cancelled (spec.md §4.4 "REGISTER state machine").
func (c *Core) Start(ctx context.Context) error {
	if err := c.stack.Start(ctx); err != nil {
		return fmt.Errorf("connection: starting stack: %w", err)
	}
	if err := c.sendRegister(ctx); err != nil {
		c.disconnect(cmerrors.Wrap(cmerrors.NetworkError, "initial register failed", err))
		return err
	}
	c.eventLoop(ctx)
	return nil
}

func (c *Core) sendRegister(ctx context.Context) error {
	opts := sipstack.RegisterOpts{
		ExpirySeconds: c.cfg.RegisterExpirySeconds,
		ContactParams: c.ContactFeatures(),
	}
	dh, err := c.stack.SendRegister(ctx, c.cfg.AccountURI, c.cfg.RegistrarURI, opts)
	if err != nil {
		return err
	}
	c.registerHandle = dh
	return nil
}

// Shutdown closes every channel, tears down the stack, and moves status to
// DISCONNECTED. CloseAll and the DISCONNECTED transition are idempotent, but
// every call invokes Stack.Shutdown again.
func (c *Core) Shutdown(ctx context.Context) {
	c.factory.CloseAll()
	if err := c.stack.Shutdown(ctx); err != nil {
		c.log.Error("stack shutdown failed", err)
	}
	c.disconnect(nil)
}

// eventLoop is the single serialization point for inbound SIP events
// (spec.md §5): one goroutine, draining the stack's event channel in order.
// A keepalive ticker (spec.md §4.5 KeepaliveInterval) shares the same
// select so a ping never races a dialog/registration event.
func (c *Core) eventLoop(ctx context.Context) {
	events := c.stack.Events()

	var keepaliveC <-chan time.Time
	if mechanism, seconds := c.KeepaliveInterval(); mechanism != connhelpers.KeepaliveNone && seconds > 0 {
		ticker := time.NewTicker(time.Duration(seconds) * time.Second)
		defer ticker.Stop()
		keepaliveC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		case <-keepaliveC:
			c.sendKeepalive()
		}
	}
}

// sendKeepalive pings the registration dialog to keep its NAT binding (or
// the registrar's idea of liveness) fresh between REGISTER refreshes.
func (c *Core) sendKeepalive() {
	if c.registerHandle == nil {
		return
	}
	if err := c.stack.Ping(c.registerHandle); err != nil {
		c.log.Warn("keepalive ping failed", connlog.F("error", err.Error()))
	}
}

func (c *Core) handleEvent(ctx context.Context, ev sipstack.Event) {
	switch ev.Kind {
	case sipstack.EventShutdown:
		c.handleShutdownEvent(ctx)
	case sipstack.EventRegisterResponse:
		c.handleRegisterResponse(ctx, ev)
	case sipstack.EventUnregisterResp:
		c.handleUnregisterResponse(ev)
	case sipstack.EventInviteResponse:
		c.handleInviteResponse(ctx, ev)
	case sipstack.EventIncomingInvite:
		c.handleIncomingInvite(ev)
	case sipstack.EventDialogState:
		c.handleDialogState(ev)
	case sipstack.EventIncomingMessage, sipstack.EventMessageResponse:
		c.handleMessage(ev)
	default:
		c.handleUnknown(ev)
	}
}

func (c *Core) handleShutdownEvent(ctx context.Context) {
	c.Shutdown(ctx)
}

// handleRegisterResponse implements the REGISTER state machine verbatim
// (spec.md §4.4).
func (c *Core) handleRegisterResponse(ctx context.Context, ev sipstack.Event) {
	if ev.Status < 200 {
		return
	}
	result := c.runChallengeHandler(ctx, ev, true)
	switch result {
	case challengeFailure:
		c.recordRegisterAttempt("auth_failed")
		c.disconnect(cmerrors.New(cmerrors.AuthFailed, "registration authentication rejected"))
	case challengeHandled:
		// await the next response to the resubmitted credentials.
	case challengePass:
		switch {
		case ev.Status == 200:
			c.recordRegisterAttempt("success")
			c.connect()
		case ev.Status == 403:
			c.recordRegisterAttempt("auth_failed")
			c.disconnect(cmerrors.New(cmerrors.AuthFailed, "registrar returned 403 Forbidden"))
		default:
			c.recordRegisterAttempt("network_error")
			c.disconnect(cmerrors.New(cmerrors.NetworkError, fmt.Sprintf("register failed: %d %s", ev.Status, ev.Phrase)))
		}
	}
}

func (c *Core) recordRegisterAttempt(result string) {
	if c.metrics != nil {
		c.metrics.RegisterAttempts.WithLabelValues(result).Inc()
	}
}

// handleUnregisterResponse: "401/407 are logged and ignored" (spec.md §4.4).
func (c *Core) handleUnregisterResponse(ev sipstack.Event) {
	if ev.Status == 401 || ev.Status == 407 {
		c.log.Info("unregister challenged, ignoring", connlog.F("status", ev.Status))
		return
	}
	if ev.Status >= 300 {
		c.log.Warn("unregister failed", connlog.F("status", ev.Status), connlog.F("phrase", ev.Phrase))
	}
}

// handleInviteResponse runs the non-home-realm auth handler, applies a 2xx's
// answer SDP to the channel's session, and surfaces any remaining error
// status to the owning channel (spec.md §4.4, §8 scenario 1: "on 200 OK with
// matching SDP, session is ACTIVE and the stream is playing").
func (c *Core) handleInviteResponse(ctx context.Context, ev sipstack.Event) {
	if ev.Status < 200 {
		return
	}
	result := c.runChallengeHandler(ctx, ev, false)
	if result == challengeHandled {
		return
	}
	if result == challengeFailure {
		c.peerError(ev.Handle, 401, "authentication loop detected")
		return
	}
	if ev.Status >= 300 {
		c.peerError(ev.Handle, ev.Status, ev.Phrase)
		return
	}
	if ev.Status == 200 && len(ev.Body) > 0 {
		if ch := c.factory.ChannelForDialog(ev.Handle); ch != nil && ch.Session() != nil {
			if err := ch.Session().ApplyRemoteSDP(ev.Body); err != nil {
				c.log.Error("applying invite answer failed", err)
			}
		}
	}
}

func (c *Core) peerError(dh sipstack.DialogHandle, status int, phrase string) {
	ch := c.factory.ChannelForDialog(dh)
	if ch == nil {
		return
	}
	ch.PeerError(status, phrase)
}

// handleIncomingInvite dispatches to factory routing (spec.md §4.1, §4.4).
func (c *Core) handleIncomingInvite(ev sipstack.Event) {
	fromHandle := c.handles.HandleFor(ev.FromURI)
	c.factory.RouteInvite(ev.Handle, ev.FromURI, fromHandle, ev.Body)
}

// handleDialogState hands remote SDP to the session and closes the channel
// on termination (spec.md §4.4).
func (c *Core) handleDialogState(ev sipstack.Event) {
	ch := c.factory.ChannelForDialog(ev.Handle)
	if ch == nil {
		return
	}
	if ev.Terminated {
		_ = ch.Close()
		c.factory.ExpireDialog(ev.Handle)
		return
	}
	if len(ev.Body) > 0 {
		if err := ch.ReceiveReinvite(ev.Body); err != nil {
			c.log.Error("re-invite rejected", err)
		}
	}
}

// handleMessage checks an inbound/outbound-response message body with
// decodeMessageBody: a text body in UTF-8 is accepted as-is; a non-text
// Content-Type or any other charset is dropped, not transcoded. Dispatching
// the decoded text to a text channel is out of scope
// (spec.md §1 Non-goals: "the text-channel factory and text channels").
func (c *Core) handleMessage(ev sipstack.Event) {
	text, err := decodeMessageBody(ev.Body, ev.ContentType)
	if err != nil {
		c.log.Warn("dropping message body", connlog.F("content_type", ev.ContentType), connlog.F("reason", err.Error()))
		return
	}
	c.log.Debug("message decoded", connlog.F("length", len(text)))
}

// handleUnknown reclaims a dialog handle once its token has gone EXPIRED
// (spec.md §4.4 "Unknown event with EXPIRED token").
func (c *Core) handleUnknown(ev sipstack.Event) {
	if ev.Handle == nil {
		return
	}
	if c.factory.IsExpired(ev.Handle) {
		c.stack.Destroy(ev.Handle)
	}
}

func (c *Core) connect() {
	c.transitionStatus("connect", nil)
}

func (c *Core) disconnect(cause error) {
	c.transitionStatus("disconnect", cause)
}

func (c *Core) transitionStatus(event string, cause error) {
	c.statusMu.Lock()
	err := c.fsm.Event(context.Background(), event, cause)
	c.statusMu.Unlock()
	if err != nil && !isBenignStatusError(err) {
		c.log.Warn("status transition rejected", connlog.F("event", event), connlog.F("error", err.Error()))
	}
}

func isBenignStatusError(err error) bool {
	var invalid fsm.InvalidEventError
	var noTransition fsm.NoTransitionError
	return errors.As(err, &invalid) || errors.As(err, &noTransition)
}

// runChallengeHandler implements the 401/407 challenge handler (spec.md
// §4.4): it builds the "scheme:realm:user:password" loop-detection token
// and, on HANDLED, submits it to the SIP stack verbatim (step 6 —
// nua_authenticate equivalent). The stack adapter owns turning that token
// into a real RFC 2617 digest response against the challenge it captured.
func (c *Core) runChallengeHandler(ctx context.Context, ev sipstack.Event, homeRealm bool) challengeResult {
	if ev.Status != 401 && ev.Status != 407 {
		c.authMu.Lock()
		c.lastSentAuth = ""
		c.authMu.Unlock()
		return challengePass
	}

	scheme, realm := parseChallengeHeader(ev.AuthHeader)
	if realm == "" {
		return challengeFailure
	}

	c.authMu.Lock()
	if homeRealm {
		switch {
		case c.registrarRealm == "":
			c.log.Info("registrar realm learned", connlog.F("realm", realm))
		case c.registrarRealm != realm:
			c.log.Info("registrar realm changed", connlog.F("old_realm", c.registrarRealm), connlog.F("new_realm", realm))
		}
		c.registrarRealm = realm
	}
	isHome := homeRealm || realm == c.registrarRealm

	user, password := c.auxCredentials()
	if isHome {
		user = ev.FromUser
		if user == "" {
			user = ev.ToUser
		}
		password = c.cfg.Password
	}

	token := buildAuthToken(scheme, realm, user, password)
	if token == c.lastSentAuth {
		c.authMu.Unlock()
		if c.metrics != nil {
			c.metrics.AuthChallenges.WithLabelValues("failed").Inc()
		}
		return challengeFailure
	}
	c.lastSentAuth = token
	c.authMu.Unlock()

	if err := c.stack.Authenticate(ev.Handle, token); err != nil {
		c.log.Error("submitting authentication failed", err)
		if c.metrics != nil {
			c.metrics.AuthChallenges.WithLabelValues("failed").Inc()
		}
		return challengeFailure
	}
	if c.metrics != nil {
		c.metrics.AuthChallenges.WithLabelValues("handled").Inc()
	}
	return challengeHandled
}

func (c *Core) auxCredentials() (user, password string) {
	return c.cfg.AuxAuth.User, c.cfg.AuxAuth.Password
}

// parseChallengeHeader extracts the auth scheme and realm= parameter from a
// WWW-Authenticate/Proxy-Authenticate header value (spec.md §4.4 step 2).
func parseChallengeHeader(header string) (scheme, realm string) {
	header = strings.TrimSpace(header)
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return "", ""
	}
	scheme = header[:sp]
	for _, part := range strings.Split(header[sp+1:], ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "realm="); ok {
			return scheme, strings.Trim(rest, `"`)
		}
	}
	return scheme, ""
}

// buildAuthToken builds the ledger key from spec.md §4.4 step 5, quoting
// realm iff it is not already quoted.
func buildAuthToken(scheme, realm, user, password string) string {
	quoted := realm
	if !strings.HasPrefix(realm, `"`) || !strings.HasSuffix(realm, `"`) {
		quoted = `"` + realm + `"`
	}
	return fmt.Sprintf("%s:%s:%s:%s", scheme, quoted, user, password)
}

// decodeMessageBody returns body as a string when Content-Type's charset
// parameter is absent (UTF-8 assumed) or names UTF-8; any other charset is
// rejected, not transcoded. Non-text Content-Type is rejected (spec.md §4.4).
func decodeMessageBody(body []byte, contentType string) (string, error) {
	if contentType == "" {
		return string(body), nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(body), nil
	}
	if !strings.HasPrefix(mediaType, "text/") {
		return "", fmt.Errorf("non-text content type %q", mediaType)
	}
	charset := strings.ToLower(params["charset"])
	if charset != "" && charset != "utf-8" && charset != "utf8" {
		return "", fmt.Errorf("unsupported charset %q", charset)
	}
	return string(body), nil
}

// ContactFeatures computes this connection's outbound Contact feature tags,
// exposed for the SIP stack adapter (spec.md §4.5 ConnectionHelpers).
func (c *Core) ContactFeatures() map[string]string {
	var stun *connhelpers.STUNConfig
	if c.cfg.STUNHost != "" {
		stun = &connhelpers.STUNConfig{Host: c.cfg.STUNHost, Port: c.cfg.STUNPort}
	}
	return connhelpers.ContactFeatures(connhelpers.TransportPreference(c.cfg.Transport), stun)
}

// KeepaliveInterval returns this connection's keepalive mechanism and its
// period in seconds, derived from the registration expiry by
// connhelpers.KeepaliveInterval; zero if keepalives are disabled (spec.md
// §4.5 ConnectionHelpers). The config's KeepaliveInterval field is not read.
func (c *Core) KeepaliveInterval() (mechanism connhelpers.KeepaliveMechanism, interval int) {
	m := connhelpers.KeepaliveMechanism(c.cfg.KeepaliveMechanism)
	d := connhelpers.KeepaliveInterval(m, c.cfg.RegisterExpirySeconds)
	return m, int(d.Seconds())
}
