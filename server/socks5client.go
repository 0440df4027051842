package server

import (
	"fmt"
	"io"
	"net"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/wiretun/wiretun/addr"
)

// ErrSocks5UpstreamRejected is returned when a SOCKS5-protocol
// upstream replies with anything but success to our CONNECT request.
var ErrSocks5UpstreamRejected = errors.Error("server: socks5 upstream rejected connect")

// socks5Connect runs the client side of a no-auth SOCKS5 CONNECT
// handshake against conn, asking it to reach dst. It mirrors the
// wire shapes ingress.acceptSOCKS5 parses from the other side.
func socks5Connect(conn net.Conn, dst addr.Address) error {
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return fmt.Errorf("server: socks5 greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("server: socks5 method reply: %w", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		return errors.Error("server: socks5 upstream requires unsupported auth")
	}

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(dst.Host))}
	req = append(req, dst.Host...)
	req = append(req, byte(dst.Port>>8), byte(dst.Port))
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("server: socks5 connect request: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("server: socks5 connect reply: %w", err)
	}
	if header[1] != 0x00 {
		return ErrSocks5UpstreamRejected
	}

	var addrLen int
	switch header[3] {
	case 0x01:
		addrLen = net.IPv4len
	case 0x04:
		addrLen = net.IPv6len
	case 0x03:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return fmt.Errorf("server: socks5 bound domain length: %w", err)
		}
		addrLen = int(lenByte[0])
	default:
		return errors.Error("server: socks5 unknown bound address type")
	}

	if _, err := io.ReadFull(conn, make([]byte, addrLen+2)); err != nil {
		return fmt.Errorf("server: socks5 bound address: %w", err)
	}
	return nil
}
