package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndString(t *testing.T) {
	a, err := Parse("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "example.com", a.Host)
	assert.Equal(t, uint16(443), a.Port)
	assert.Equal(t, "example.com:443", a.String())
	assert.True(t, a.IsTLSPort())
}

func TestParseIPv6(t *testing.T) {
	a, err := Parse("[::1]:8080")
	require.NoError(t, err)
	assert.Equal(t, "::1", a.Host)
	ip, isIP := a.IP()
	require.True(t, isIP)
	assert.Equal(t, "::1", ip.String())
}

func TestParseRejectsBadPort(t *testing.T) {
	_, err := New("example.com", 70000)
	assert.Error(t, err)
}

func TestTextMarshalRoundTrip(t *testing.T) {
	a, err := New("example.com", 80)
	require.NoError(t, err)
	text, err := a.MarshalText()
	require.NoError(t, err)

	var b Address
	require.NoError(t, b.UnmarshalText(text))
	assert.Equal(t, a, b)
}
