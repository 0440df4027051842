package tcpman

import (
	"fmt"
	"net"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/cipher"
	"github.com/wiretun/wiretun/httpupgrade"
)

// Dial runs the client side of the tcpman handshake over an
// already-connected conn: draws a fresh key/iv, picks strategies per
// destination, sends the upgrade request, validates the 101 response,
// and returns a ciphered duplex stream ready to carry dst's traffic.
//
// initialData, if non-empty, is enciphered with the send cipher and
// carried in X-Cache-Key rather than written after the handshake
// (spec §4.5 "Initial data").
func Dial(conn net.Conn, masterKey []byte, serverHost, basicAuth string, dst addr.Address, initialData []byte) (*cipher.Stream, error) {
	key, iv, err := cipher.RandKeyIV()
	if err != nil {
		return nil, fmt.Errorf("tcpman: generating key/iv: %w", err)
	}
	send, recv := StrategiesFor(dst)

	params := Params{Key: key, IV: iv, Send: send, Recv: recv, Kind: cipher.KindChaCha20, Dst: dst}
	path, err := params.EncodePath(masterKey)
	if err != nil {
		return nil, err
	}

	writeCipher, err := cipher.NewStrategized(cipher.KindChaCha20, key, iv, send)
	if err != nil {
		return nil, fmt.Errorf("tcpman: constructing send cipher: %w", err)
	}
	readCipher, err := cipher.NewStrategized(cipher.KindChaCha20, key, iv, recv)
	if err != nil {
		return nil, fmt.Errorf("tcpman: constructing recv cipher: %w", err)
	}

	cacheKey := ""
	if len(initialData) > 0 {
		ciphered := append([]byte(nil), initialData...)
		writeCipher.Apply(ciphered)
		cacheKey = b64.EncodeToString(ciphered)
	}

	if err := httpupgrade.WriteRequest(conn, serverHost, path, basicAuth, cacheKey); err != nil {
		return nil, fmt.Errorf("tcpman: writing upgrade request: %w", err)
	}

	br, release := httpupgrade.NewReader(conn)
	if err := httpupgrade.ReadSwitchingProtocols(br); err != nil {
		return nil, fmt.Errorf("tcpman: upgrade handshake: %w", err)
	}
	release()

	// The server may write its first ciphertext in the same TCP segment
	// as its own 101 response; route reads through br, not conn, so
	// anything httpupgrade's parse already buffered isn't lost.
	return cipher.NewStream(&bufferedConn{Conn: conn, r: br}, readCipher, writeCipher), nil
}
