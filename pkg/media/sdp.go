package media

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// buildEnvelope produces the session-level SDP lines (v=, o=, s=, c=, t=)
// that precede the joined per-stream m-line fragments, grounded on the
// teacher's SDPBuilder.BuildOffer (pkg/media_with_sdp/sdp_builder.go), which
// assembles the same header via pion/sdp/v3 before appending media
// descriptions. Here the media descriptions are supplied by the streams
// themselves as already-rendered text, so the envelope carries no
// MediaDescriptions of its own.
func buildEnvelope(sessionID uint64) (string, error) {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("build sdp envelope: %w", err)
	}
	desc.Origin = sdp.Origin{
		Username:       "-",
		SessionID:      sessionID,
		SessionVersion: sessionID,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: "0.0.0.0",
	}
	desc.SessionName = "sipcm"
	desc.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: "0.0.0.0"},
	}
	desc.TimeDescriptions = []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp envelope: %w", err)
	}
	return string(raw), nil
}

// joinFragments concatenates the envelope with each stream's local SDP
// fragment in index order (spec.md §4.2: "Build a concatenated SDP by
// joining each stream's local SDP fragment in order").
func joinFragments(envelope string, fragments []string) string {
	var b strings.Builder
	b.WriteString(envelope)
	for _, f := range fragments {
		f = strings.TrimRight(f, "\r\n")
		b.WriteString(f)
		b.WriteString("\r\n")
	}
	return b.String()
}

// inferMediaType maps an SDP m-line's media name to our Type enum, treating
// anything other than audio/video as UNSUPPORTED (spec.md Non-goals: "reject
// [other m-lines] as unsupported but preserve their m-line ordinal").
func inferMediaType(mediaName string) Type {
	switch mediaName {
	case "audio":
		return Audio
	case "video":
		return Video
	default:
		return Unsupported
	}
}

// parseMediaTypes parses body and returns the inferred Type of each m-line in
// order, grounded on pkg/media_with_sdp's extractMediaStreams
// (pkg/manager_media/sdp_utils.go), which walks SessionDescription.MediaDescriptions
// the same way.
func parseMediaTypes(body []byte) ([]Type, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse remote sdp: %w", err)
	}
	types := make([]Type, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		types = append(types, inferMediaType(md.MediaName.Media))
	}
	return types, nil
}
