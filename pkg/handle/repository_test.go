package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleForIsStableAndCounts(t *testing.T) {
	r := New()
	h1 := r.HandleFor("sip:alice@example.com")
	h2 := r.HandleFor("sip:alice@example.com")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, None, h1)

	uri, ok := r.URIFor(h1)
	assert.True(t, ok)
	assert.Equal(t, "sip:alice@example.com", uri)
}

func TestHandleForMintsDistinctHandlesPerURI(t *testing.T) {
	r := New()
	h1 := r.HandleFor("sip:alice@example.com")
	h2 := r.HandleFor("sip:bob@example.com")
	assert.NotEqual(t, h1, h2)
}

func TestUnrefReleasesAtZero(t *testing.T) {
	r := New()
	h := r.HandleFor("sip:alice@example.com") // ref count 1
	r.Ref(h)                                  // ref count 2
	assert.True(t, r.IsValid(h))

	r.Unref(h) // ref count 1
	assert.True(t, r.IsValid(h))

	r.Unref(h) // ref count 0, released
	assert.False(t, r.IsValid(h))
	_, ok := r.URIFor(h)
	assert.False(t, ok)
}

func TestReMintingAfterReleaseGetsFreshHandle(t *testing.T) {
	r := New()
	h1 := r.HandleFor("sip:alice@example.com")
	r.Unref(h1)
	h2 := r.HandleFor("sip:alice@example.com")
	assert.NotEqual(t, h1, h2, "a released URI is re-minted with a new handle, not reused")
}

func TestNoneIsAlwaysInvalid(t *testing.T) {
	r := New()
	assert.False(t, r.IsValid(None))
	r.Ref(None)
	r.Unref(None)
	_, ok := r.URIFor(None)
	assert.False(t, ok)
}
