// Package tcpman implements the tcpman wire protocol (spec §4.5, §6
// "Tcpman wire"): a request line carrying base64url-nopad cipher
// parameters and an obfuscated destination, a fixed HTTP/WebSocket
// upgrade handshake (httpupgrade), and the client/server state
// machines that drive it.
package tcpman

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/cipher"
)

var b64 = base64.RawURLEncoding

// Params carries everything the URL path segment of a tcpman upgrade
// request encodes: the per-connection key/iv, the two partial-
// encryption strategies (from the client's point of view — the server
// swaps send/recv), the cipher kind, and the destination the client
// wants tunneled.
type Params struct {
	Key  []byte
	IV   []byte
	Send cipher.Strategy
	Recv cipher.Strategy
	Kind cipher.Kind
	Dst  addr.Address
}

// EncodePath renders p as "/<k>/<iv>/<sstrat>/<rstrat>/<kind>/<dst>"
// per spec §6. The destination segment is obfuscated by XOR against
// the keystream of a ChaCha20 cipher seeded with masterKey and p.IV —
// not a security boundary (spec §4.5 already treats the inner key/iv
// as readable by anyone who holds the master password), just enough
// to keep the plaintext destination off the wire in the clear.
func (p Params) EncodePath(masterKey []byte) (string, error) {
	dst, err := obfuscateDst([]byte(p.Dst.String()), masterKey, p.IV)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/%s/%s/%s/%s/%d/%s",
		b64.EncodeToString(p.Key),
		b64.EncodeToString(p.IV),
		p.Send.String(),
		p.Recv.String(),
		p.Kind,
		b64.EncodeToString(dst),
	), nil
}

// DecodeParams parses a request path produced by EncodePath. As on the
// server, the returned Send/Recv are still in the client's frame of
// reference (caller must swap before constructing its own ciphers).
func DecodeParams(path string, masterKey []byte) (Params, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) != 6 {
		return Params{}, fmt.Errorf("tcpman: malformed path %q", path)
	}

	key, err := b64.DecodeString(segs[0])
	if err != nil {
		return Params{}, fmt.Errorf("tcpman: decoding key: %w", err)
	}
	iv, err := b64.DecodeString(segs[1])
	if err != nil {
		return Params{}, fmt.Errorf("tcpman: decoding iv: %w", err)
	}
	send, err := cipher.ParseStrategy(segs[2])
	if err != nil {
		return Params{}, fmt.Errorf("tcpman: send strategy: %w", err)
	}
	recv, err := cipher.ParseStrategy(segs[3])
	if err != nil {
		return Params{}, fmt.Errorf("tcpman: recv strategy: %w", err)
	}
	kindN, err := strconv.Atoi(segs[4])
	if err != nil || kindN <= 0 || kindN > 0xFF {
		return Params{}, fmt.Errorf("tcpman: invalid cipher kind %q", segs[4])
	}

	dstCipherText, err := b64.DecodeString(segs[5])
	if err != nil {
		return Params{}, fmt.Errorf("tcpman: decoding destination: %w", err)
	}
	dstPlain, err := obfuscateDst(dstCipherText, masterKey, iv)
	if err != nil {
		return Params{}, err
	}
	dst, err := addr.Parse(string(dstPlain))
	if err != nil {
		return Params{}, fmt.Errorf("tcpman: parsing destination: %w", err)
	}

	return Params{
		Key:  key,
		IV:   iv,
		Send: send,
		Recv: recv,
		Kind: cipher.Kind(kindN),
		Dst:  dst,
	}, nil
}

// obfuscateDst XORs data against the keystream of a fresh ChaCha20
// cipher seeded with masterKey/iv. It is its own inverse.
func obfuscateDst(data, masterKey, iv []byte) ([]byte, error) {
	c, err := cipher.New(cipher.KindChaCha20, masterKey, iv)
	if err != nil {
		return nil, fmt.Errorf("tcpman: deriving destination obfuscation cipher: %w", err)
	}
	out := append([]byte(nil), data...)
	c.Apply(out)
	return out, nil
}

// StrategiesFor picks the send/recv strategy pair for a newly-dialed
// destination, per spec §4.5: ports that are probably already TLS
// (443) get a light FirstN(512) send-only cover; everything else is
// enciphered in full both ways.
func StrategiesFor(dst addr.Address) (send, recv cipher.Strategy) {
	if dst.IsTLSPort() {
		return cipher.FirstN(512), cipher.Never
	}
	return cipher.Always, cipher.Always
}
