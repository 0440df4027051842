package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/rule"
	"github.com/wiretun/wiretun/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, src string) *rule.Engine {
	t.Helper()
	tables, err := rule.Parse(src)
	require.NoError(t, err)
	return rule.NewEngine(tables)
}

func TestDispatcherHandleConnDirectSOCKS5(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	dst := echo.Addr().(*net.TCPAddr)

	d := &Dispatcher{
		Logger:     discardLogger(),
		Engine:     newEngine(t, "table main {\nWHEN host ~= .* THEN direct\n}\n"),
		StartTable: "main",
		Registry:   upstream.NewRegistry(nil),
	}

	client, server := net.Pipe()
	defer client.Close()

	go d.HandleConn(context.Background(), server)

	// SOCKS5 no-auth greeting + CONNECT request to the echo listener.
	_, err = client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodReply := make([]byte, 2)
	_, err = io.ReadFull(client, methodReply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x00}, methodReply)

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, dst.IP.To4()...)
	req = append(req, byte(dst.Port>>8), byte(dst.Port))
	_, err = client.Write(req)
	require.NoError(t, err)

	connectReply := make([]byte, 10)
	_, err = io.ReadFull(client, connectReply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), connectReply[1])

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	out := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(client, out)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(out))
}

func TestDispatcherRejectsPolicy(t *testing.T) {
	d := &Dispatcher{
		Logger:     discardLogger(),
		Engine:     newEngine(t, "table main {\nWHEN host ~= .* THEN reject\n}\n"),
		StartTable: "main",
		Registry:   upstream.NewRegistry(nil),
	}

	client, server := net.Pipe()
	defer client.Close()
	go d.HandleConn(context.Background(), server)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodReply := make([]byte, 2)
	_, err = io.ReadFull(client, methodReply)
	require.NoError(t, err)

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80}
	_, err = client.Write(req)
	require.NoError(t, err)

	connectReply := make([]byte, 10)
	_, err = io.ReadFull(client, connectReply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), connectReply[1], "policy reject surfaces as general failure")
}

func TestDispatcherUDPAssociateGrantsRelayAndDropsDatagrams(t *testing.T) {
	d := &Dispatcher{
		Logger:     discardLogger(),
		Engine:     newEngine(t, "table main {\nWHEN host ~= .* THEN direct\n}\n"),
		StartTable: "main",
		Registry:   upstream.NewRegistry(nil),
	}

	client, server := net.Pipe()
	go d.HandleConn(context.Background(), server)

	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	methodReply := make([]byte, 2)
	_, err = io.ReadFull(client, methodReply)
	require.NoError(t, err)

	// UDP ASSOCIATE with a placeholder 0.0.0.0:0 client bind.
	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, err = client.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1], "udp associate is accepted, not treated as a dial failure")

	port := int(reply[8])<<8 | int(reply[9])
	require.NotZero(t, port)

	relayAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	sock, err := net.DialUDP("udp", nil, relayAddr)
	require.NoError(t, err)
	defer sock.Close()
	_, err = sock.Write([]byte("dropped"))
	require.NoError(t, err)

	client.Close()
}

func TestDialerUnknownUpstreamProtocol(t *testing.T) {
	d := &Dispatcher{Registry: upstream.NewRegistry(nil)}
	u := &upstream.Upstream{Descriptor: upstream.Descriptor{Protocol: upstream.Protocol{Kind: 99}}, Stats: upstream.NewStats()}
	dst, _ := addr.New("example.com", 443)

	_, err := d.dialUpstream(dst)(context.Background(), u)
	assert.Error(t, err)
}
