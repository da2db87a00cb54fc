package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipcm/connmgr/pkg/channel"
	"github.com/sipcm/connmgr/pkg/handle"
	"github.com/sipcm/connmgr/pkg/mediaengine"
	"github.com/sipcm/connmgr/pkg/sipstack"
)

type fakeStack struct {
	invites   []sipstack.InviteOpts
	responses []struct {
		status int
		body   []byte
	}
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
func (f *fakeStack) SendBye(h sipstack.DialogHandle) error { return nil }
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

func newTestFactory() (*Factory, *handle.Repository, *fakeStack) {
	repo := handle.New()
	self := repo.HandleFor("sip:self@example.com")
	stack := &fakeStack{}
	f := New(Config{
		ConnectionPath: "/org/example/Connection0",
		SelfHandle:     self,
		Handles:        repo,
		Stack:          stack,
		Engine:         mediaengine.NewFakeEngine(),
	})
	return f, repo, stack
}

func TestObjectPathAllocationIsMonotonic(t *testing.T) {
	f, _, _ := newTestFactory()
	ch0, result, err := f.Request(StreamedMedia, HandleTypeNone, handle.None)
	require.NoError(t, err)
	require.Equal(t, Created, result)
	ch1, _, err := f.Request(StreamedMedia, HandleTypeNone, handle.None)
	require.NoError(t, err)

	assert.Equal(t, "/org/example/Connection0/MediaChannel0", ch0.ObjectPath())
	assert.Equal(t, "/org/example/Connection0/MediaChannel1", ch1.ObjectPath())
}

func TestRequestSelfIsInvalidHandle(t *testing.T) {
	f, repo, _ := newTestFactory()
	self := repo.HandleFor("sip:self@example.com")
	_, result, err := f.Request(StreamedMedia, HandleTypeContact, self)
	assert.Equal(t, InvalidHandleResult, result)
	assert.Error(t, err)
}

func TestRequestUnimplementedChannelType(t *testing.T) {
	f, _, _ := newTestFactory()
	_, result, err := f.Request(ChannelType("TEXT"), HandleTypeNone, handle.None)
	assert.Equal(t, NotImplemented, result)
	assert.NoError(t, err)
}

func TestInboundInviteMintsChannelThenRoutesReinvite(t *testing.T) {
	f, repo, stack := newTestFactory()
	alice := repo.HandleFor("sip:alice@example.com")
	dh := testHandle("dlg-1")
	offer := []byte("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 6000 RTP/AVP 0\r\n")

	f.RouteInvite(dh, "sip:alice@example.com", alice, offer)
	ch := f.ChannelForDialog(dh)
	require.NotNil(t, ch)
	assert.Equal(t, alice, ch.Peer())

	reinvite := []byte("v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 6002 RTP/AVP 0\r\n")
	f.RouteInvite(dh, "sip:alice@example.com", alice, reinvite)

	// still the same channel; no second channel minted.
	count := 0
	f.ForEach(func(c *channel.Channel) { count++ })
	assert.Equal(t, 1, count)
	_ = stack
}

func TestExpiredDialogGets481(t *testing.T) {
	f, _, stack := newTestFactory()
	dh := testHandle("dlg-2")
	f.ExpireDialog(dh)
	f.RouteInvite(dh, "sip:bob@example.com", handle.None, nil)
	require.Len(t, stack.responses, 1)
	assert.Equal(t, 481, stack.responses[0].status)
}

func TestSessionIDsAreNotReused(t *testing.T) {
	f, _, _ := newTestFactory()
	seen := make(map[uint32]struct{})
	for i := 0; i < 50; i++ {
		id := f.allocateSessionID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
		assert.GreaterOrEqual(t, id, uint32(sessionIDFloor))
	}
}
