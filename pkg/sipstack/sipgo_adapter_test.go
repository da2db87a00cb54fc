package sipstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildContactHeaderOrdersParamsDeterministically(t *testing.T) {
	got := buildContactHeader("sip:alice@example.com", map[string]string{
		"transport": "tcp",
		"+sip.ice":  `"yes"`,
	})
	assert.Equal(t, `<sip:alice@example.com>;+sip.ice="yes";transport=tcp`, got)
}

func TestBuildContactHeaderNoParams(t *testing.T) {
	got := buildContactHeader("sip:alice@example.com", nil)
	assert.Equal(t, "<sip:alice@example.com>", got)
}

func TestSplitAuthTokenTrimsQuotedRealm(t *testing.T) {
	scheme, realm, user, password, err := splitAuthToken(`Digest:"example.com":bob:secret`)
	assert.NoError(t, err)
	assert.Equal(t, "Digest", scheme)
	assert.Equal(t, "example.com", realm)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "secret", password)
}

func TestSplitAuthTokenMalformed(t *testing.T) {
	_, _, _, _, err := splitAuthToken("not-enough-parts")
	assert.Error(t, err)
}
