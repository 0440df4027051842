package httpupgrade

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRequest(&buf, "example.com:443", "/K64/I64/a/n/1", "Basic Zm9vOmJhcg==", "Y2lwaGVydGV4dA")
	require.NoError(t, err)

	req, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "/K64/I64/a/n/1", req.Path)
	assert.Equal(t, "example.com:443", req.Host)
	assert.Equal(t, "Basic Zm9vOmJhcg==", req.Authorization)
	assert.Equal(t, "Y2lwaGVydGV4dA", req.CacheKey)
}

func TestRequestWithoutAuthOrCacheKey(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRequest(&buf, "example.com:443", "/K64/I64/a/n/1", "", "")
	require.NoError(t, err)

	req, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Empty(t, req.Authorization)
	assert.Empty(t, req.CacheKey)
}

func TestSwitchingProtocolsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSwitchingProtocols(&buf))
	assert.NoError(t, ReadSwitchingProtocols(bufio.NewReader(&buf)))
}

func TestReadSwitchingProtocolsRejectsOtherStatus(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	err := ReadSwitchingProtocols(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestReadSwitchingProtocolsRejectsBadAccept(t *testing.T) {
	raw := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: Websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: bogus\r\n\r\n"
	err := ReadSwitchingProtocols(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadAccept)
}

func TestReadRequestRejectsOversizeHeader(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("GET / HTTP/1.1\r\nHost: example.com\r\n")
	for i := 0; i < MaxHeaderSize; i++ {
		sb.WriteString("X-Pad: a\r\n")
	}
	br, _ := NewReader(strings.NewReader(sb.String()))
	_, err := ReadRequest(br)
	require.Error(t, err)
}
