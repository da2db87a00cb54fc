package sipstack

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sipcm/connmgr/pkg/connlog"
)

// handleID is the concrete DialogHandle: a dialog is identified by Call-ID
// plus our own local tag, which is stable for the handle's whole lifetime
// (spec.md §9's "handle-magic" design note — we key a map on this instead of
// pointer-punning a C pointer into an opaque token).
type handleID struct {
	callID   string
	localTag string
}

func (h handleID) ID() DialogHandleID {
	return DialogHandleID(h.callID + ";" + h.localTag)
}

// pendingAuth remembers the last challenge seen on a handle's transaction,
// so Authenticate can recompute the real RFC 2617 response once
// ConnectionCore hands back its loop-detection token.
type pendingAuth struct {
	challenge *digest.Challenge
	isProxy   bool
	method    string
	uri       string
}

// dialogEntry is everything the adapter keeps per live DialogHandle.
type dialogEntry struct {
	handle  handleID
	target  sip.Uri
	request *sip.Request
	client  *sipgo.Client

	mu    sync.Mutex
	auth  *pendingAuth
}

// GoSIPAdapter implements Stack over github.com/emiago/sipgo.
type GoSIPAdapter struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	logger connlog.Logger

	userAgentString string

	mu      sync.Mutex
	entries map[DialogHandleID]*dialogEntry

	events chan Event
}

// NewGoSIPAdapter wires a Stack implementation around a fresh sipgo
// UserAgent/Server pair (mirrors pkg/dialog's Stack/StackConfig wiring in
// pkg/dialog/stack.go, generalized from its hand-rolled transport to
// sipgo's own transaction layer).
func NewGoSIPAdapter(userAgentString string, logger connlog.Logger) (*GoSIPAdapter, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgentString))
	if err != nil {
		return nil, fmt.Errorf("sipstack: creating user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sipstack: creating server: %w", err)
	}
	if logger == nil {
		logger = connlog.NoOp()
	}

	a := &GoSIPAdapter{
		ua:              ua,
		server:          server,
		logger:          logger.With(connlog.F("component", "sipstack")),
		userAgentString: userAgentString,
		entries:         make(map[DialogHandleID]*dialogEntry),
		events:          make(chan Event, 256),
	}
	a.registerHandlers()
	return a, nil
}

func (a *GoSIPAdapter) registerHandlers() {
	a.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		h := a.bindIncoming(req)
		fromURI, fromUser, toUser := "", "", ""
		if from := req.From(); from != nil {
			fromURI = from.Address.String()
			fromUser = from.Address.User
		}
		if to := req.To(); to != nil {
			toUser = to.Address.User
		}
		a.emit(Event{
			Kind:        EventIncomingInvite,
			Handle:      h,
			FromURI:     fromURI,
			FromUser:    fromUser,
			ToUser:      toUser,
			Body:        req.Body(),
			ContentType: contentTypeOf(req),
		})
	})

	a.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		h := a.lookupByMessage(req)
		a.emit(Event{Kind: EventDialogState, Handle: h, Terminated: true})
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})

	a.server.OnMessage(func(req *sip.Request, tx sip.ServerTransaction) {
		h := a.lookupByMessage(req)
		a.emit(Event{
			Kind:        EventIncomingMessage,
			Handle:      h,
			Body:        req.Body(),
			ContentType: contentTypeOf(req),
		})
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
}

// buildContactHeader renders uri plus a deterministically-ordered set of
// Contact feature-tag params (ConnectionHelpers.ContactFeatures, spec.md
// §4.5), e.g. "<sip:alice@example.com>;transport=tcp;+sip.ice=\"yes\"".
func buildContactHeader(uri string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(uri)
	b.WriteByte('>')
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func contentTypeOf(req *sip.Request) string {
	if ct := req.ContentType(); ct != nil {
		return ct.Value()
	}
	return ""
}

func (a *GoSIPAdapter) bindIncoming(req *sip.Request) DialogHandle {
	h := handleID{callID: req.CallID().Value(), localTag: uuid.NewString()}
	entry := &dialogEntry{handle: h, request: req}
	a.mu.Lock()
	a.entries[h.ID()] = entry
	a.mu.Unlock()
	return h
}

func (a *GoSIPAdapter) lookupByMessage(req *sip.Request) DialogHandle {
	callID := req.CallID().Value()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, e := range a.entries {
		if e.handle.callID == callID {
			return e.handle
		}
		_ = id
	}
	// Unknown dialog: return a throwaway handle; ConnectionCore finds no
	// channel routed to it in the factory's table and drops the event.
	return handleID{callID: callID, localTag: "unknown"}
}

func (a *GoSIPAdapter) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event channel full, dropping event", connlog.F("kind", string(ev.Kind)))
	}
}

func (a *GoSIPAdapter) Events() <-chan Event { return a.events }

func (a *GoSIPAdapter) Start(ctx context.Context) error {
	go func() {
		if err := a.server.ListenAndServe(ctx, "udp", "0.0.0.0:5060"); err != nil {
			a.logger.Error("sip listener stopped", err)
		}
	}()
	return nil
}

func (a *GoSIPAdapter) Shutdown(ctx context.Context) error {
	close(a.events)
	return a.ua.Close()
}

func (a *GoSIPAdapter) NewDialogHandle(ctx context.Context, target string) (DialogHandle, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, fmt.Errorf("sipstack: parsing target uri %q: %w", target, err)
	}
	client, err := sipgo.NewClient(a.ua)
	if err != nil {
		return nil, fmt.Errorf("sipstack: creating client: %w", err)
	}
	h := handleID{callID: uuid.NewString(), localTag: uuid.NewString()}
	entry := &dialogEntry{handle: h, target: uri, client: client}
	a.mu.Lock()
	a.entries[h.ID()] = entry
	a.mu.Unlock()
	return h, nil
}

func (a *GoSIPAdapter) entryFor(h DialogHandle) (*dialogEntry, bool) {
	hid, ok := h.(handleID)
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[hid.ID()]
	return e, ok
}

func (a *GoSIPAdapter) SendInvite(h DialogHandle, opts InviteOpts) error {
	entry, ok := a.entryFor(h)
	if !ok {
		return fmt.Errorf("sipstack: unknown dialog handle")
	}
	req := sip.NewRequest(sip.INVITE, entry.target)
	req.AppendHeader(sip.NewHeader("Call-ID", entry.handle.callID))
	if len(opts.SDP) > 0 {
		req.SetBody(opts.SDP)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	entry.mu.Lock()
	entry.request = req
	entry.mu.Unlock()

	tx, err := entry.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("sipstack: sending invite: %w", err)
	}
	go a.pumpClientTransaction(entry, tx, EventInviteResponse)
	return nil
}

func (a *GoSIPAdapter) SendBye(h DialogHandle) error {
	entry, ok := a.entryFor(h)
	if !ok {
		return fmt.Errorf("sipstack: unknown dialog handle")
	}
	req := sip.NewRequest(sip.BYE, entry.target)
	req.AppendHeader(sip.NewHeader("Call-ID", entry.handle.callID))
	tx, err := entry.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("sipstack: sending bye: %w", err)
	}
	tx.Terminate()
	return nil
}

func (a *GoSIPAdapter) SendRegister(ctx context.Context, accountURI, registrarURI string, opts RegisterOpts) (DialogHandle, error) {
	h, err := a.NewDialogHandle(ctx, registrarURI)
	if err != nil {
		return nil, err
	}
	entry, _ := a.entryFor(h)

	req := sip.NewRequest(sip.REGISTER, entry.target)
	req.AppendHeader(sip.NewHeader("Call-ID", entry.handle.callID))
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("<%s>", accountURI)))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<%s>", accountURI)))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", opts.ExpirySeconds)))
	req.AppendHeader(sip.NewHeader("Contact", buildContactHeader(accountURI, opts.ContactParams)))
	entry.mu.Lock()
	entry.request = req
	entry.mu.Unlock()

	tx, err := entry.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sipstack: sending register: %w", err)
	}
	go a.pumpClientTransaction(entry, tx, EventRegisterResponse)
	return h, nil
}

func (a *GoSIPAdapter) SendMessage(h DialogHandle, body []byte, contentType string) error {
	entry, ok := a.entryFor(h)
	if !ok {
		return fmt.Errorf("sipstack: unknown dialog handle")
	}
	req := sip.NewRequest(sip.MESSAGE, entry.target)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	tx, err := entry.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("sipstack: sending message: %w", err)
	}
	go a.pumpClientTransaction(entry, tx, EventMessageResponse)
	return nil
}

// Ping sends an out-of-dialog OPTIONS request on h as a NAT/registrar
// keepalive (spec.md §4.5's KeepaliveInterval), following the usual
// OPTIONS-as-keepalive convention of trunks and phones. The response is
// drained and discarded; a keepalive never produces an Event.
func (a *GoSIPAdapter) Ping(h DialogHandle) error {
	entry, ok := a.entryFor(h)
	if !ok {
		return fmt.Errorf("sipstack: unknown dialog handle")
	}
	req := sip.NewRequest(sip.OPTIONS, entry.target)
	req.AppendHeader(sip.NewHeader("Call-ID", entry.handle.callID))
	tx, err := entry.client.TransactionRequest(context.Background(), req)
	if err != nil {
		return fmt.Errorf("sipstack: sending keepalive options: %w", err)
	}
	go func() {
		defer tx.Terminate()
		select {
		case <-tx.Responses():
		case <-tx.Done():
		}
	}()
	return nil
}

// pumpClientTransaction waits for one client transaction's first final
// response (provisional ones are skipped) and turns it into an Event,
// capturing a 401/407 challenge so a later Authenticate call can build the
// real digest response.
func (a *GoSIPAdapter) pumpClientTransaction(entry *dialogEntry, tx sip.ClientTransaction, kind EventKind) {
	defer tx.Terminate()
	for {
		select {
		case res, more := <-tx.Responses():
			if !more {
				return
			}
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode == 401 || res.StatusCode == 407 {
				a.captureChallenge(entry, res)
			}
			fromUser, toUser := "", ""
			if from := res.From(); from != nil {
				fromUser = from.Address.User
			}
			if to := res.To(); to != nil {
				toUser = to.Address.User
			}
			a.emit(Event{
				Kind:        kind,
				Status:      res.StatusCode,
				Phrase:      res.Reason,
				Handle:      entry.handle,
				FromUser:    fromUser,
				ToUser:      toUser,
				AuthHeader:  authHeaderValue(res),
				AuthIsProxy: res.StatusCode == 407,
				Body:        res.Body(),
				ContentType: contentTypeOfResponse(res),
			})
			return
		case <-tx.Done():
			return
		}
	}
}

func contentTypeOfResponse(res *sip.Response) string {
	if ct := res.ContentType(); ct != nil {
		return ct.Value()
	}
	return ""
}

func authHeaderValue(res *sip.Response) string {
	name := "WWW-Authenticate"
	if res.StatusCode == 407 {
		name = "Proxy-Authenticate"
	}
	if h := res.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func (a *GoSIPAdapter) captureChallenge(entry *dialogEntry, res *sip.Response) {
	value := authHeaderValue(res)
	if value == "" {
		return
	}
	chal, err := digest.ParseChallenge(value)
	if err != nil {
		a.logger.Warn("failed to parse auth challenge", connlog.F("error", err.Error()))
		return
	}
	entry.mu.Lock()
	req := entry.request
	entry.auth = &pendingAuth{
		challenge: chal,
		isProxy:   res.StatusCode == 407,
		method:    string(req.Method),
		uri:       entry.target.String(),
	}
	entry.mu.Unlock()
}

// Respond sends a final response on an incoming dialog handle.
func (a *GoSIPAdapter) Respond(h DialogHandle, status int, phrase string, body []byte, contentType string) error {
	entry, ok := a.entryFor(h)
	if !ok {
		return fmt.Errorf("sipstack: unknown dialog handle")
	}
	entry.mu.Lock()
	req := entry.request
	entry.mu.Unlock()
	if req == nil {
		return fmt.Errorf("sipstack: no pending request to respond to")
	}
	resp := sip.NewResponseFromRequest(req, status, phrase, body)
	if contentType != "" {
		resp.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	return a.server.WriteResponse(resp)
}

// Authenticate parses ConnectionCore's loop-detection token
// ("scheme:realm:user:password"), computes the real digest response against
// the challenge captured for this handle, and resubmits the original
// request with an Authorization/Proxy-Authorization header — the sipgo
// equivalent of sofia-sip's nua_authenticate(nh, NUTAG_AUTH(auth)).
func (a *GoSIPAdapter) Authenticate(h DialogHandle, authToken string) error {
	entry, ok := a.entryFor(h)
	if !ok {
		return fmt.Errorf("sipstack: unknown dialog handle")
	}
	entry.mu.Lock()
	pending := entry.auth
	req := entry.request
	entry.mu.Unlock()
	if pending == nil || req == nil {
		return fmt.Errorf("sipstack: no pending challenge on this handle")
	}

	_, _, user, password, err := splitAuthToken(authToken)
	if err != nil {
		return err
	}

	cred, err := digest.Digest(pending.challenge, digest.Options{
		Method:   pending.method,
		URI:      pending.uri,
		Username: user,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("sipstack: computing digest response: %w", err)
	}

	authHeaderName := "Authorization"
	if pending.isProxy {
		authHeaderName = "Proxy-Authorization"
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authHeaderName, cred.String()))

	entry.mu.Lock()
	entry.request = authReq
	entry.auth = nil
	entry.mu.Unlock()

	tx, err := entry.client.TransactionRequest(context.Background(), authReq,
		sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sipstack: resending authenticated request: %w", err)
	}

	kind := EventInviteResponse
	switch authReq.Method {
	case sip.REGISTER:
		kind = EventRegisterResponse
	case sip.MESSAGE:
		kind = EventMessageResponse
	}
	go a.pumpClientTransaction(entry, tx, kind)
	return nil
}

// splitAuthToken parses the "scheme:realm:user:password" token format
// spec.md §4.4 step 5 specifies, tolerating a quoted realm.
func splitAuthToken(token string) (scheme, realm, user, password string, err error) {
	parts := strings.SplitN(token, ":", 4)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("sipstack: malformed auth token")
	}
	scheme = parts[0]
	realm = strings.Trim(parts[1], "\"")
	user = parts[2]
	password = parts[3]
	return scheme, realm, user, password, nil
}

func (a *GoSIPAdapter) Destroy(h DialogHandle) {
	hid, ok := h.(handleID)
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, hid.ID())
}
