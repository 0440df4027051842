package cipher

import (
	"fmt"
	"strconv"
)

// Strategy is the per-direction policy for how much of a stream is
// enciphered. There are three unexported variants; each wraps the base
// cipher in its own Cipher, so Apply and Rewind reach a variant through
// Cipher interface method calls, not through a type switch.
type Strategy interface {
	fmt.Stringer

	// wrap returns a Cipher that applies this strategy's policy on
	// top of the base cipher c.
	wrap(c Cipher) Cipher
}

// Never never enciphers data; it is a permanent pass-through.
var Never Strategy = neverStrategy{}

// Always enciphers every byte, unmodified.
var Always Strategy = alwaysStrategy{}

// FirstN enciphers only the first n bytes of the stream; n must be > 0.
func FirstN(n int) Strategy {
	if n <= 0 {
		panic("cipher: FirstN requires n > 0")
	}
	return firstNStrategy{n: n}
}

type neverStrategy struct{}

func (neverStrategy) String() string   { return "n" }
func (neverStrategy) wrap(Cipher) Cipher {
	return neverCipher{}
}

type alwaysStrategy struct{}

func (alwaysStrategy) String() string     { return "a" }
func (alwaysStrategy) wrap(c Cipher) Cipher { return c }

type firstNStrategy struct{ n int }

func (s firstNStrategy) String() string { return strconv.Itoa(s.n) }
func (s firstNStrategy) wrap(c Cipher) Cipher {
	return &firstNCipher{inner: c, budget: s.n}
}

// NewStrategized constructs a cipher of kind from key/iv and wraps it
// in strategy s, so callers outside this package never need to know
// about the unexported Strategy.wrap method.
func NewStrategized(kind Kind, key, iv []byte, s Strategy) (Cipher, error) {
	base, err := New(kind, key, iv)
	if err != nil {
		return nil, err
	}
	return s.wrap(base), nil
}

// ParseStrategy parses the "a" | "n" | "<digits>" wire form used in
// the tcpman URL path (spec §4.4).
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "n":
		return Never, nil
	case "a":
		return Always, nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid encryption strategy %q", s)
		}
		return FirstN(n), nil
	}
}

// neverCipher is the Cipher half of the Never strategy: it never
// touches data and permanently reports WillModifyData() == false so
// callers can drop their reference to it.
type neverCipher struct{}

func (neverCipher) Apply([]byte)      {}
func (neverCipher) Rewind(int)        {}
func (neverCipher) WillModifyData() bool { return false }

// firstNCipher enciphers only the first n bytes ever seen, per spec
// §4.2: each Apply ciphers min(n, len(buf)) bytes and decrements the
// budget by the FULL buffer length (even the untouched tail), so once
// the budget is exhausted, all future buffers pass through untouched.
type firstNCipher struct {
	inner  Cipher
	budget int // remaining bytes to encipher; may go negative
}

func (c *firstNCipher) Apply(data []byte) {
	if c.budget > 0 {
		n := c.budget
		if n > len(data) {
			n = len(data)
		}
		c.inner.Apply(data[:n])
	}
	c.budget -= len(data)
}

func (c *firstNCipher) Rewind(n int) {
	// Restore the budget first, then figure out how much of the
	// rewind actually touched ciphered bytes.
	before := c.budget
	c.budget += n

	enciphered := 0
	if before < 0 && c.budget > 0 {
		// The whole rewound region was past the cutoff when consumed
		// and is now (partially) before it again.
		enciphered = c.budget
	} else if before >= 0 {
		enciphered = n
	}
	if enciphered > n {
		enciphered = n
	}
	if enciphered > 0 {
		c.inner.Rewind(enciphered)
	}
}

func (c *firstNCipher) WillModifyData() bool {
	return c.budget > 0
}
