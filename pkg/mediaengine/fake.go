package mediaengine

import "sync"

// FakeStream is an in-memory Stream used by tests and examples: it has no
// real RTP behavior, but lets a test drive readiness and inspect what was
// applied, grounded on pkg/manager_media/stubs.go's stub pattern.
type FakeStream struct {
	mu        sync.Mutex
	localSDP  string
	ready     bool
	playing   bool
	remote    string
	remoteIdx int
	events    Events
}

// MarkReady simulates the engine settling on codecs and producing a local
// SDP fragment, firing OnReady.
func (s *FakeStream) MarkReady(localSDP string, codecs []Codec) {
	s.mu.Lock()
	s.localSDP = localSDP
	s.ready = true
	cb := s.events.OnReady
	s.mu.Unlock()
	if cb != nil {
		cb(codecs)
	}
}

func (s *FakeStream) SetRemoteInfo(mLineIndex int, fullSDP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteIdx = mLineIndex
	s.remote = fullSDP
	return nil
}

func (s *FakeStream) SetPlaying(playing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = playing
	return nil
}

func (s *FakeStream) LocalSDP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSDP
}

func (s *FakeStream) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// IsPlaying reports whether SetPlaying(true) was called most recently; test
// helper only, not part of the Stream interface.
func (s *FakeStream) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// FakeEngine hands out FakeStreams.
type FakeEngine struct {
	mu      sync.Mutex
	Streams []*FakeStream
}

func NewFakeEngine() *FakeEngine { return &FakeEngine{} }

func (e *FakeEngine) NewStream(mediaType MediaType, events Events) (Stream, error) {
	s := &FakeStream{events: events}
	e.mu.Lock()
	e.Streams = append(e.Streams, s)
	e.mu.Unlock()
	return s, nil
}
