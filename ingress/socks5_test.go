package ingress

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptSOCKS5Connect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{0x05, 0x01, 0x00}) // greeting, no-auth
		method := make([]byte, 2)
		client.Read(method)

		req := []byte{0x05, 0x01, 0x00, 0x03, 11}
		req = append(req, []byte("example.com")...)
		req = append(req, 0x01, 0xBB) // port 443
		client.Write(req)

		reply := make([]byte, 10)
		client.Read(reply)
	}()

	bc := &bufferedConn{Conn: server, r: bufio.NewReader(server)}
	r, err := acceptSOCKS5(bc)
	require.NoError(t, err)
	assert.Equal(t, "example.com", r.Dst.Host)
	assert.Equal(t, uint16(443), r.Dst.Port)
	assert.False(t, r.UDPAssociate)

	require.NoError(t, r.Grant(nil))
}

func TestAcceptSOCKS5UDPAssociate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte{0x05, 0x01, 0x00})
		method := make([]byte, 2)
		client.Read(method)

		req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		client.Write(req)

		reply := make([]byte, 10)
		client.Read(reply)
	}()

	bc := &bufferedConn{Conn: server, r: bufio.NewReader(server)}
	r, err := acceptSOCKS5(bc)
	require.NoError(t, err)
	assert.True(t, r.UDPAssociate)
}
