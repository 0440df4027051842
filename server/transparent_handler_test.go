package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/upstream"
)

func TestHandleTransparentConnBridgesToDirect(t *testing.T) {
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

	echoAddr := echo.Addr().(*net.TCPAddr)
	dst, err := addr.New(echoAddr.IP.String(), echoAddr.Port)
	require.NoError(t, err)

	d := &Dispatcher{
		Logger:     discardLogger(),
		Engine:     newEngine(t, "table main {\nWHEN host ~= .* THEN direct\n}\n"),
		StartTable: "main",
		Registry:   upstream.NewRegistry(nil),
	}

	client, server := net.Pipe()
	defer client.Close()

	go d.HandleTransparentConn(context.Background(), server, dst)

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestHandleTransparentConnRejectedByPolicy(t *testing.T) {
	d := &Dispatcher{
		Logger:     discardLogger(),
		Engine:     newEngine(t, "table main {\nWHEN host ~= .* THEN reject\n}\n"),
		StartTable: "main",
		Registry:   upstream.NewRegistry(nil),
	}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		d.HandleTransparentConn(context.Background(), server, addr.Address{Host: "10.0.0.1", Port: 80})
		close(done)
	}()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err, "conn should be closed with no reply once the policy rejects")
	<-done
}
