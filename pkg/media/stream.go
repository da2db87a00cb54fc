// Package media implements the MediaStream / MediaSession triad and its
// SDP offer/answer state machine (spec.md §4.2), grounded on pkg/media_with_sdp's
// pkg/media_with_sdp (SDP composition) and pkg/manager_media (SDP parsing
// via pion/sdp) packages, generalized from RTP-session ownership (out of
// scope here — media transport is delegated to mediaengine.Engine) to pure
// offer/answer bookkeeping.
package media

import "github.com/sipcm/connmgr/pkg/mediaengine"

// Type is a MediaStream's media type (spec.md §3).
type Type int

const (
	Audio Type = iota
	Video
	Unsupported
)

func (t Type) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	default:
		return "unsupported"
	}
}

// unsupportedPlaceholder is the literal placeholder m-line spec.md §4.2 and
// §6 mandate for unsupported media, preserving m-line ordinal alignment.
const unsupportedPlaceholder = "m=unknown 0 -/-"

// Stream owns one SDP m-line. Index is its position in the owning
// MediaSession's stream list; it never changes after creation.
type Stream struct {
	Index int
	Type  Type

	engine mediaengine.Stream // nil for Unsupported sentinels

	remoteFragment string
	remoteApplied  bool
	playing        bool

	supportedCodecs  []mediaengine.Codec
	localCandidates  []mediaengine.Candidate
	remoteCandidates []mediaengine.Candidate

	onReady func()
}

// NewStream creates a stream of the given type at index. onReady is invoked
// whenever the underlying engine stream fires its OnReady event (it is not
// called at creation, even for an engine stream that is already ready) — MediaSession wires this to
// re-run the offer/answer step (spec.md §4.2: "invoked whenever ... a stream
// becomes ready").
func NewStream(index int, mediaType Type, engine mediaengine.Engine, onReady func()) (*Stream, error) {
	s := &Stream{Index: index, Type: mediaType, onReady: onReady}
	if mediaType == Unsupported {
		// Unsupported streams need no engine backing: they're trivially
		// "ready" and contribute only the ordinal placeholder.
		return s, nil
	}

	engineMediaType := mediaengine.Audio
	if mediaType == Video {
		engineMediaType = mediaengine.Video
	}

	engineStream, err := engine.NewStream(engineMediaType, mediaengine.Events{
		OnReady: func(codecs []mediaengine.Codec) {
			if s.onReady != nil {
				s.onReady()
			}
		},
		OnSupportedCodecs: func(codecs []mediaengine.Codec) {
			s.supportedCodecs = codecs
		},
		OnNewCandidate: func(c mediaengine.Candidate) {
			s.localCandidates = append(s.localCandidates, c)
		},
		OnNewActiveCandidatePair: func(local, remote mediaengine.Candidate) {
			s.localCandidates = append(s.localCandidates, local)
			s.remoteCandidates = append(s.remoteCandidates, remote)
		},
	})
	if err != nil {
		return nil, err
	}
	s.engine = engineStream
	return s, nil
}

// IsReady reports whether this stream has a local SDP fragment ready.
// Unsupported sentinel streams are always ready — they need no negotiation.
func (s *Stream) IsReady() bool {
	if s.Type == Unsupported {
		return true
	}
	return s.engine.IsReady()
}

// LocalSDP returns this stream's contribution to the outbound SDP: its
// engine-produced fragment, or the fixed unsupported placeholder.
func (s *Stream) LocalSDP() string {
	if s.Type == Unsupported {
		return unsupportedPlaceholder
	}
	return s.engine.LocalSDP()
}

// ApplyRemote applies a remote m-line to this stream. Unsupported streams
// accept but ignore it (spec.md §4.2).
func (s *Stream) ApplyRemote(mLineIndex int, fullSDP string) error {
	s.remoteFragment = fullSDP
	s.remoteApplied = true
	if s.Type == Unsupported {
		return nil
	}
	return s.engine.SetRemoteInfo(mLineIndex, fullSDP)
}

// SetPlaying starts or stops local media flow for this stream. No-op for
// Unsupported streams, which never carry media.
func (s *Stream) SetPlaying(playing bool) error {
	s.playing = playing
	if s.Type == Unsupported {
		return nil
	}
	return s.engine.SetPlaying(playing)
}

// Playing reports the last value passed to SetPlaying.
func (s *Stream) Playing() bool { return s.playing }

// SupportedCodecs returns the engine's most recently reported codec list.
func (s *Stream) SupportedCodecs() []mediaengine.Codec { return s.supportedCodecs }
