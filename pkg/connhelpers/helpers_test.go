package connhelpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURILowercasesAndStripsDefaultPort(t *testing.T) {
	out, err := NormalizeURI("SIP:Alice@Example.COM:5060")
	require.NoError(t, err)
	assert.Equal(t, "sip:Alice@example.com", out)
}

func TestNormalizeURIKeepsNonDefaultPort(t *testing.T) {
	out, err := NormalizeURI("sip:alice@example.com:5070")
	require.NoError(t, err)
	assert.Equal(t, "sip:alice@example.com:5070", out)
}

func TestNormalizeURIPreservesParams(t *testing.T) {
	out, err := NormalizeURI("sip:alice@Example.com;transport=tcp")
	require.NoError(t, err)
	assert.Equal(t, "sip:alice@example.com;transport=tcp", out)
}

func TestNormalizeURIRejectsUnknownScheme(t *testing.T) {
	_, err := NormalizeURI("tel:+15551234567")
	assert.Error(t, err)
}

func TestNormalizeURIEncodesIDNHost(t *testing.T) {
	out, err := NormalizeURI("sip:alice@münchen.example")
	require.NoError(t, err)
	assert.Contains(t, out, "xn--")
}

func TestContactFeaturesTransportAndICE(t *testing.T) {
	f := ContactFeatures(TransportTCP, &STUNConfig{Host: "stun.example.com", Port: 3478})
	assert.Equal(t, "tcp", f["transport"])
	assert.Equal(t, `"yes"`, f["+sip.ice"])
}

func TestContactFeaturesAutoTransportOmitted(t *testing.T) {
	f := ContactFeatures(TransportAuto, nil)
	_, ok := f["transport"]
	assert.False(t, ok)
	_, ok = f["+sip.ice"]
	assert.False(t, ok)
}

func TestKeepaliveIntervalClamped(t *testing.T) {
	assert.Equal(t, time.Duration(0), KeepaliveInterval(KeepaliveNone, 300))
	assert.Equal(t, 15*time.Second, KeepaliveInterval(KeepaliveCRLF, 30))
	assert.Equal(t, 100*time.Second, KeepaliveInterval(KeepaliveCRLF, 300))
	assert.Equal(t, 120*time.Second, KeepaliveInterval(KeepaliveSTUN, 10_000))
}
