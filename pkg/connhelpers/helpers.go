// Package connhelpers implements the "ConnectionHelpers" component from
// spec.md's component table: URL normalization, contact-feature
// computation, STUN plumbing, and keepalive tuning. None of it drives
// protocol state; it's pure plumbing consumed by pkg/connection.
package connhelpers

import (
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// TransportPreference mirrors the Connection field of the same name.
type TransportPreference string

const (
	TransportAuto TransportPreference = "auto"
	TransportUDP  TransportPreference = "udp"
	TransportTCP  TransportPreference = "tcp"
	TransportTLS  TransportPreference = "tls"
)

// KeepaliveMechanism mirrors the Connection field of the same name.
type KeepaliveMechanism string

const (
	KeepaliveNone KeepaliveMechanism = "none"
	KeepaliveCRLF KeepaliveMechanism = "crlf"
	KeepaliveSTUN KeepaliveMechanism = "stun"
)

// STUNConfig is the STUN host/port pair plumbed from Connection config
// through to a channel's NAT traversal descriptor.
type STUNConfig struct {
	Host string
	Port int
}

var defaultPort = map[string]string{
	"sip":  "5060",
	"sips": "5061",
}

// NormalizeURI lowercases the scheme and host of a sip:/sips: URI,
// ACE-encodes an internationalized host, and strips a port that matches the
// scheme's default. It does not otherwise validate the URI — malformed
// input is the SIP stack's concern once it tries to parse the result.
func NormalizeURI(uri string) (string, error) {
	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok {
		return "", fmt.Errorf("connhelpers: %q has no scheme", uri)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "sip" && scheme != "sips" {
		return "", fmt.Errorf("connhelpers: unsupported scheme %q", scheme)
	}

	userinfo, hostport := rest, ""
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo, hostport = rest[:at+1], rest[at+1:]
	} else {
		userinfo, hostport = "", rest
	}

	// A trailing ;params or ?headers section stays attached to the host part
	// verbatim; only the host:port prefix is normalized.
	tail := ""
	if semi := strings.IndexAny(hostport, ";?"); semi >= 0 {
		hostport, tail = hostport[:semi], hostport[semi:]
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return "", err
	}
	host = strings.ToLower(host)

	asciiHost, err := idna.Lookup.ToASCII(host)
	if err == nil {
		host = asciiHost
	}
	// A failure to ACE-encode just means host wasn't an IDN (e.g. it's a
	// literal IP address); keep the lowercased host as-is in that case.

	if port != "" && port == defaultPort[scheme] {
		port = ""
	}

	out := scheme + ":" + userinfo + host
	if port != "" {
		out += ":" + port
	}
	out += tail
	return out, nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	if host, port, err = net.SplitHostPort(hostport); err == nil {
		return host, port, nil
	}
	// no port present
	return hostport, "", nil
}

// ContactFeatures computes the Contact header feature-tag set the stack
// adapter should attach to outbound requests: marking ICE support when a
// STUN server is configured, and the preferred transport.
func ContactFeatures(transport TransportPreference, stun *STUNConfig) map[string]string {
	features := make(map[string]string)
	if transport != "" && transport != TransportAuto {
		features["transport"] = string(transport)
	}
	if stun != nil && stun.Host != "" {
		features["+sip.ice"] = "\"yes\""
	}
	return features
}

// KeepaliveInterval derives the keepalive ping interval from the
// registration expiry: roughly a third of the expiry, clamped to
// [15s, 120s]. Returns 0 (no keepalive) when mechanism is KeepaliveNone.
func KeepaliveInterval(mechanism KeepaliveMechanism, registrarExpirySeconds int) time.Duration {
	if mechanism == KeepaliveNone || mechanism == "" {
		return 0
	}
	if registrarExpirySeconds <= 0 {
		registrarExpirySeconds = 300
	}
	interval := time.Duration(registrarExpirySeconds) * time.Second / 3
	const min = 15 * time.Second
	const max = 120 * time.Second
	if interval < min {
		return min
	}
	if interval > max {
		return max
	}
	return interval
}
