package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	byes    int
	nextTag int
}

func (f *fakeStack) Start(ctx context.Context) error    { return nil }
func (f *fakeStack) Shutdown(ctx context.Context) error { return nil }

func (f *fakeStack) NewDialogHandle(ctx context.Context, target string) (sipstack.DialogHandle, error) {
	f.nextTag++
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

func newTestSession(t *testing.T, outbound bool) (*Session, *handle.Repository, *mediaengine.FakeEngine, *fakeStack) {
	t.Helper()
	repo := handle.New()
	self := repo.HandleFor("sip:self@example.com")
	peer := repo.HandleFor("sip:peer@example.com")
	engine := mediaengine.NewFakeEngine()
	stack := &fakeStack{}

	init := peer
	if outbound {
		init = self
	}
	s := New(Config{
		ID:              1_234_567,
		InitiatorHandle: init,
		PeerHandle:      peer,
		SelfHandle:      self,
		Handles:         repo,
		Stack:           stack,
		Engine:          engine,
	})
	return s, repo, engine, stack
}

func TestOutboundHappyPath(t *testing.T) {
	s, _, engine, stack := newTestSession(t, true)

	_, err := s.AddStream(Audio)
	require.NoError(t, err)
	s.Start(context.Background())

	assert.Equal(t, stateCreated, s.State())
	assert.Empty(t, stack.invites)

	engine.Streams[0].MarkReady("m=audio 5004 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n", []mediaengine.Codec{{Name: "PCMU", PayloadType: 0, ClockRate: 8000}})

	assert.Equal(t, stateInitiated, s.State())
	require.Len(t, stack.invites, 1)
	assert.Contains(t, string(stack.invites[0].SDP), "m=audio 5004")
	assert.Equal(t, "REMOTE", stack.invites[0].RTPSort)
	assert.Equal(t, "ALL", stack.invites[0].RTPSelect)

	err = s.ApplyRemoteSDP([]byte("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 6000 RTP/AVP 0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, stateActive, s.State())
	assert.True(t, engine.Streams[0].IsPlaying())
}

func TestOfferAnswerIdempotence(t *testing.T) {
	s, _, engine, stack := newTestSession(t, true)
	_, err := s.AddStream(Audio)
	require.NoError(t, err)
	s.Start(context.Background())
	engine.Streams[0].MarkReady("m=audio 5004 RTP/AVP 0\r\n", nil)
	require.Len(t, stack.invites, 1)

	// calling the step again with no new input must not send a second INVITE.
	s.step()
	s.step()
	assert.Len(t, stack.invites, 1)
}

func TestInboundAcceptance(t *testing.T) {
	s, _, engine, stack := newTestSession(t, false)

	offer := []byte("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 6000 RTP/AVP 0\r\n")
	require.NoError(t, s.ApplyInitialOffer(offer))

	// remote already applied; still waiting on local readiness.
	assert.Equal(t, stateCreated, s.State())

	engine.Streams[0].MarkReady("m=audio 5004 RTP/AVP 0\r\n", nil)
	assert.Empty(t, stack.responses, "must not answer before Accept")

	s.Accept()
	require.Len(t, stack.responses, 1)
	assert.Equal(t, 200, stack.responses[0].status)
	assert.Equal(t, stateActive, s.State())
}

func TestUnsupportedMediaOrdinal(t *testing.T) {
	s, _, engine, stack := newTestSession(t, false)

	offer := []byte("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n" +
		"m=audio 6000 RTP/AVP 0\r\nm=application 0 UDP/BFCP *\r\nm=video 6002 RTP/AVP 96\r\n")
	require.NoError(t, s.ApplyInitialOffer(offer))
	require.Len(t, s.Streams(), 3)
	assert.Equal(t, Audio, s.Streams()[0].Type)
	assert.Equal(t, Unsupported, s.Streams()[1].Type)
	assert.Equal(t, Video, s.Streams()[2].Type)

	for _, fs := range engine.Streams {
		fs.MarkReady("m=audio 5004 RTP/AVP 0\r\n", nil)
	}
	s.Accept()

	require.Len(t, stack.responses, 1)
	body := string(stack.responses[0].body)
	assert.Contains(t, body, unsupportedPlaceholder)
}

func TestSessionTimeout(t *testing.T) {
	s, _, engine, stack := newTestSession(t, true)
	_, err := s.AddStream(Audio)
	require.NoError(t, err)
	s.Start(context.Background())
	engine.Streams[0].MarkReady("m=audio 5004 RTP/AVP 0\r\n", nil)
	require.Len(t, stack.invites, 1)

	s.timerMu.Lock()
	s.timer.Reset(10 * time.Millisecond)
	s.timerMu.Unlock()

	require.Eventually(t, func() bool {
		return s.State() == stateEnded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, stack.byes, "the outbound INVITE never got a final response, so the dialog never established and no BYE is sent")
}

func TestMediaUnsupportedWhenNoRecognizedMLine(t *testing.T) {
	s, _, _, _ := newTestSession(t, false)
	offer := []byte("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=application 0 UDP/BFCP *\r\n")
	err := s.ApplyInitialOffer(offer)
	require.Error(t, err)
}
