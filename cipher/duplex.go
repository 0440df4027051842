package cipher

import (
	"net"
)

// minWriteFloor is the minimum desired_write_len used to size scratch
// writes even for small buffers (spec §4.3).
const minWriteFloor = 512

// Stream wraps a net.Conn, enciphering everything written and
// deciphering everything read according to independently-chosen send
// and recv strategies. It implements net.Conn.
type Stream struct {
	net.Conn

	readCipher  Cipher
	writeCipher Cipher

	scratch       []byte
	lastWriteSize int
}

// NewStream wraps conn, enciphering writes with writeCipher and
// deciphering reads with readCipher.
func NewStream(conn net.Conn, readCipher, writeCipher Cipher) *Stream {
	return &Stream{
		Conn:          conn,
		readCipher:    readCipher,
		writeCipher:   writeCipher,
		lastWriteSize: minWriteFloor,
	}
}

// Read deciphers bytes read from the underlying connection in place.
// Once the read cipher stops modifying data, the reference to it is
// dropped so further reads skip the per-byte cipher dispatch (spec
// §4.3).
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.Conn.Read(p)
	if n > 0 && s.readCipher != nil {
		s.readCipher.Apply(p[:n])
		if !s.readCipher.WillModifyData() {
			s.readCipher = nil
		}
	}
	return n, err
}

// Write enciphers up to a capped, floored slice of p into a scratch
// buffer, writes it, and rewinds the cipher over any bytes the
// underlying connection did not accept, so the next Write
// re-enciphers identical plaintext with identical keystream (spec
// §4.3, "cipher + short writes").
func (s *Stream) Write(p []byte) (int, error) {
	if s.writeCipher == nil {
		return s.Conn.Write(p)
	}

	desired := len(p)
	if cap := max(s.lastWriteSize, minWriteFloor); desired > cap {
		desired = cap
	}

	if cap(s.scratch) < desired {
		s.scratch = make([]byte, desired)
	}
	scratch := s.scratch[:desired]
	copy(scratch, p[:desired])
	s.writeCipher.Apply(scratch)

	actual, err := s.Conn.Write(scratch)
	if actual < desired {
		s.writeCipher.Rewind(desired - actual)
	}
	s.lastWriteSize = actual

	if !s.writeCipher.WillModifyData() {
		s.scratch = nil
		s.writeCipher = nil
	}

	if err != nil {
		return actual, err
	}
	return actual, nil
}
