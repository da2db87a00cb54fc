// Package mediaengine declares the media engine capability this module
// consumes (spec.md §6): per-stream events ("new-active-candidate-pair",
// "new-native-candidate", "ready(codecs)", "supported-codecs(codecs)") and
// the operations MediaStream calls on it (set-remote-info, set-playing,
// local-sdp, is-ready). This module never transports RTP itself — it only
// drives this interface.
package mediaengine

// Codec is the subset of an RTP payload-type description MediaStream needs
// to build SDP: a name, payload type number, and clock rate.
type Codec struct {
	Name       string
	PayloadType int
	ClockRate   int
}

// Candidate is an opaque ICE candidate string, as produced by the media
// engine and passed through into SDP a=candidate lines.
type Candidate string

// Events is the set of callbacks the media engine invokes on a Stream
// handle. Modeled on pkg/manager_media's callback-struct convention
// (pkg/manager_media/interface.go ManagerConfig.OnSessionCreated et al.)
// rather than a bulky listener interface.
type Events struct {
	// OnReady fires once the engine has settled on a codec set for the
	// stream and is ready to produce a local SDP fragment.
	OnReady func(codecs []Codec)
	// OnSupportedCodecs fires when the engine's supported-codec list for
	// the stream changes (used to populate MediaStream.SupportedCodecs).
	OnSupportedCodecs func(codecs []Codec)
	// OnNewCandidate fires for each locally-gathered ICE candidate.
	OnNewCandidate func(c Candidate)
	// OnNewActiveCandidatePair fires when the engine selects a candidate
	// pair to send media on.
	OnNewActiveCandidatePair func(local, remote Candidate)
}

// MediaType mirrors media.Type to avoid an import cycle between mediaengine
// and media; both are small enums over the same three values.
type MediaType int

const (
	Audio MediaType = iota
	Video
	Unsupported
)

// Stream is the per-m-line handle MediaStream drives. Implementations are
// owned by the media engine; MediaStream only ever holds a Stream, never
// touches RTP packets.
type Stream interface {
	// SetRemoteInfo applies the remote SDP fragment for this m-line.
	SetRemoteInfo(mLineIndex int, fullSDP string) error
	// SetPlaying starts or stops local media flow.
	SetPlaying(playing bool) error
	// LocalSDP returns this stream's current local SDP fragment, or "" if
	// the engine hasn't produced one yet.
	LocalSDP() string
	// IsReady reports whether the engine has a local SDP fragment ready.
	IsReady() bool
}

// Engine creates per-call Stream handles. A real implementation wraps
// whatever RTP/ICE stack the deployment uses; mediaengine/fake.go provides
// an in-memory one for tests.
type Engine interface {
	NewStream(mediaType MediaType, events Events) (Stream, error)
}
