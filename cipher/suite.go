// Package cipher implements the tcpman stream-cipher suite: a
// rewindable ChaCha20 stream cipher, the partial-encryption strategy
// that wraps it, and a duplex adapter that applies both inline over a
// net.Conn.
package cipher

import (
	"crypto/rand"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20"
)

// Kind identifies a stream cipher family on the wire.
type Kind byte

// KindChaCha20 is the only cipher kind tcpman negotiates.
const KindChaCha20 Kind = 1

const (
	// KeySize is the ChaCha20 key size in bytes.
	KeySize = chacha20.KeySize
	// IVSize is the ChaCha20 nonce size in bytes.
	IVSize = chacha20.NonceSize
)

// ErrUnknownKind is returned when a cipher kind byte does not name a
// supported cipher.
var ErrUnknownKind = errors.Error("unknown cipher kind")

// Cipher is a rewindable stream cipher: Apply advances the keystream
// position by len(data); Rewind moves it back by n bytes so that a
// subsequent Apply over the same plaintext reproduces the same
// ciphertext. WillModifyData lets a caller short-circuit the hot path
// once a cipher is known to be a no-op (see Never/FirstN-exhausted).
type Cipher interface {
	Apply(data []byte)
	Rewind(n int)
	WillModifyData() bool
}

// New constructs a Cipher of the given kind from key/iv.
func New(kind Kind, key, iv []byte) (Cipher, error) {
	switch kind {
	case KindChaCha20:
		return newChaCha20(key, iv)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// RandKeyIV draws a fresh random key/iv pair suitable for [New].
func RandKeyIV() (key, iv []byte, err error) {
	key = make([]byte, KeySize)
	iv = make([]byte, IVSize)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generating iv: %w", err)
	}
	return key, iv, nil
}

// Argon2 parameters for the handshake master-key KDF. Spec §4.5 calls
// for "memory cost ~64 MiB, 3 passes": this is exactly
// argon2.IDKey's (time, memory, threads) tuned to those numbers.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 1
	kdfKeyLen  = 32
)

// DeriveMasterKey stretches password into a 32-byte symmetric secret
// using Argon2id, salted by context (e.g. the server's bind address)
// so the same password yields different secrets across deployments.
func DeriveMasterKey(password, context string) []byte {
	return argon2.IDKey([]byte(password), []byte(context), kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

// blockSize is the ChaCha20 keystream block size in bytes. Rewind
// needs it to find the nearest block boundary since
// golang.org/x/crypto/chacha20 only exposes block-granular seeking
// via SetCounter.
const blockSize = 64

// chaCha20 is the rewindable ChaCha20 stream cipher. It recreates the
// inner cipher from the nearest block boundary on every Rewind,
// discarding the intra-block remainder, since x/crypto/chacha20 has
// no sub-block seek primitive.
type chaCha20 struct {
	key, iv  []byte
	inner    *chacha20.Cipher
	position uint64
}

func newChaCha20(key, iv []byte) (*chaCha20, error) {
	inner, err := chacha20.NewUnauthenticatedCipher(key, iv)
	if err != nil {
		return nil, fmt.Errorf("constructing chacha20 cipher: %w", err)
	}
	return &chaCha20{key: key, iv: iv, inner: inner}, nil
}

func (c *chaCha20) Apply(data []byte) {
	if len(data) == 0 {
		return
	}
	c.inner.XORKeyStream(data, data)
	c.position += uint64(len(data))
}

func (c *chaCha20) Rewind(n int) {
	if n == 0 {
		return
	}
	if uint64(n) > c.position {
		panic("cipher: rewind past start of stream")
	}
	c.position -= uint64(n)

	block := c.position / blockSize
	intra := c.position % blockSize

	// SetCounter requires the block count to fit in 32 bits; tcpman
	// connections never carry enough bytes to overflow this in
	// practice (2^32 * 64 bytes is 256 GiB of one-directional
	// traffic), but guard explicitly rather than silently truncate.
	if block > 0xFFFFFFFF {
		panic("cipher: rewind position exceeds chacha20 counter range")
	}

	// SetCounter refuses to move the counter backward, so the inner
	// cipher is rebuilt from key/iv before seeking to the block.
	inner, err := chacha20.NewUnauthenticatedCipher(c.key, c.iv)
	if err != nil {
		panic("cipher: recreating chacha20 cipher: " + err.Error())
	}
	inner.SetCounter(uint32(block))
	c.inner = inner
	if intra > 0 {
		discard := make([]byte, intra)
		c.inner.XORKeyStream(discard, discard)
	}
}

func (c *chaCha20) WillModifyData() bool {
	return true
}
