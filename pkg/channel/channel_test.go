package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcm/connmgr/pkg/handle"
	"github.com/sipcm/connmgr/pkg/media"
	"github.com/sipcm/connmgr/pkg/mediaengine"
	"github.com/sipcm/connmgr/pkg/sipstack"
)

type fakeStack struct {
	invites   []sipstack.InviteOpts
	responses []struct {
		status int
		body   []byte
	}
	byes int
}

func (f *fakeStack) Start(ctx context.Context) error    { return nil }
func (f *fakeStack) Shutdown(ctx context.Context) error { return nil }
func (f *fakeStack) NewDialogHandle(ctx context.Context, target string) (sipstack.DialogHandle, error) {
	return testHandle(target), nil
}
func (f *fakeStack) SendInvite(h sipstack.DialogHandle, opts sipstack.InviteOpts) error {
	f.invites = append(f.invites, opts)
	return nil
}
func (f *fakeStack) SendBye(h sipstack.DialogHandle) error { f.byes++; return nil }
func (f *fakeStack) SendRegister(ctx context.Context, accountURI, registrarURI string, opts sipstack.RegisterOpts) (sipstack.DialogHandle, error) {
	return nil, nil
}
func (f *fakeStack) SendMessage(h sipstack.DialogHandle, body []byte, contentType string) error {
	return nil
}
func (f *fakeStack) Respond(h sipstack.DialogHandle, status int, phrase string, body []byte, contentType string) error {
	f.responses = append(f.responses, struct {
		status int
		body   []byte
	}{status, body})
	return nil
}
func (f *fakeStack) Authenticate(h sipstack.DialogHandle, authToken string) error { return nil }
func (f *fakeStack) Ping(h sipstack.DialogHandle) error                          { return nil }
func (f *fakeStack) Destroy(h sipstack.DialogHandle)                             {}
func (f *fakeStack) Events() <-chan sipstack.Event                               { return nil }

type testHandle string

func (h testHandle) ID() sipstack.DialogHandleID { return sipstack.DialogHandleID(h) }

func TestRemotePeerErrorClosesOutboundChannel(t *testing.T) {
	repo := handle.New()
	self := repo.HandleFor("sip:self@example.com")
	peer := repo.HandleFor("sip:bob@example.com")
	stack := &fakeStack{}
	engine := mediaengine.NewFakeEngine()

	var closedPaths []string
	var peerErrs []int
	c := New(Config{
		ObjectPath: "/conn/MediaChannel0",
		Creator:    self,
		SelfHandle: self,
		Handles:    repo,
		Stack:      stack,
		Events: Events{
			OnClosed:    func(p string) { closedPaths = append(closedPaths, p) },
			OnPeerError: func(status int, phrase string) { peerErrs = append(peerErrs, status) },
		},
	})

	require.NoError(t, c.AddMember(peer, 1_000_001, engine))
	_, err := c.Session().AddStream(media.Audio)
	require.NoError(t, err)
	require.NoError(t, c.StartOutbound(context.Background()))
	engine.Streams[0].MarkReady("m=audio 5004 RTP/AVP 0\r\n", nil)
	require.Len(t, stack.invites, 1)

	c.PeerError(486, "Busy Here")

	assert.Equal(t, []string{"/conn/MediaChannel0"}, closedPaths)
	assert.Equal(t, []int{486}, peerErrs)
	assert.True(t, c.Closed())
	assert.Equal(t, 0, stack.byes, "dialog never established before the error, so no BYE is sent")
}

func TestReceiveInviteThenAccept(t *testing.T) {
	repo := handle.New()
	self := repo.HandleFor("sip:self@example.com")
	alice := repo.HandleFor("sip:alice@example.com")
	stack := &fakeStack{}
	engine := mediaengine.NewFakeEngine()

	c := New(Config{
		ObjectPath: "/conn/MediaChannel1",
		Creator:    handle.None,
		SelfHandle: self,
		Handles:    repo,
		Stack:      stack,
	})

	offer := []byte("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 6000 RTP/AVP 0\r\n")
	require.NoError(t, c.ReceiveInvite(testHandle("dlg-1"), alice, 1_000_002, engine, offer))
	assert.Equal(t, alice, c.Peer())

	engine.Streams[0].MarkReady("m=audio 5004 RTP/AVP 0\r\n", nil)
	assert.Empty(t, stack.responses)

	require.NoError(t, c.Accept())
	require.Len(t, stack.responses, 1)
	assert.Equal(t, 200, stack.responses[0].status)
}

func TestCloseIsIdempotent(t *testing.T) {
	repo := handle.New()
	self := repo.HandleFor("sip:self@example.com")
	peer := repo.HandleFor("sip:bob@example.com")
	stack := &fakeStack{}
	engine := mediaengine.NewFakeEngine()

	var closedCount int
	c := New(Config{
		ObjectPath: "/conn/MediaChannel2",
		SelfHandle: self,
		Handles:    repo,
		Stack:      stack,
		Events:     Events{OnClosed: func(string) { closedCount++ }},
	})
	require.NoError(t, c.AddMember(peer, 1_000_003, engine))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, closedCount)
}
