package cipher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCipher(t *testing.T) Cipher {
	t.Helper()
	key, iv, err := RandKeyIV()
	require.NoError(t, err)
	c, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)
	return c
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("n")
	require.NoError(t, err)
	assert.Equal(t, Never, s)

	s, err = ParseStrategy("a")
	require.NoError(t, err)
	assert.Equal(t, Always, s)

	s, err = ParseStrategy("16")
	require.NoError(t, err)
	assert.Equal(t, FirstN(16), s)

	_, err = ParseStrategy("0")
	assert.Error(t, err)

	_, err = ParseStrategy("bogus")
	assert.Error(t, err)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "n", Never.String())
	assert.Equal(t, "a", Always.String())
	assert.Equal(t, "16", FirstN(16).String())
}

func TestNeverCipherNoOp(t *testing.T) {
	c := Never.wrap(mustCipher(t))
	data := []byte("hello world")
	orig := append([]byte(nil), data...)
	c.Apply(data)
	assert.Equal(t, orig, data)
	assert.False(t, c.WillModifyData())
}

func TestAlwaysCipherEnciphersEverything(t *testing.T) {
	key, iv, err := RandKeyIV()
	require.NoError(t, err)
	direct, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)
	viaAlways, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)
	wrapped := Always.wrap(viaAlways)

	plain := bytes.Repeat([]byte("x"), 100)
	a := append([]byte(nil), plain...)
	b := append([]byte(nil), plain...)

	direct.Apply(a)
	wrapped.Apply(b)
	assert.Equal(t, a, b)
	assert.True(t, wrapped.WillModifyData())
}

func TestFirstNEnciphersOnlyPrefix(t *testing.T) {
	key, iv, err := RandKeyIV()
	require.NoError(t, err)
	reference, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)

	under, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)
	fn := FirstN(5).wrap(under)

	plain := []byte("0123456789")
	got := append([]byte(nil), plain...)
	fn.Apply(got)

	want := append([]byte(nil), plain...)
	reference.Apply(want[:5]) // only the first 5 bytes are ciphered by reference

	assert.Equal(t, want[:5], got[:5])
	assert.Equal(t, plain[5:], got[5:]) // tail passes through untouched
	assert.False(t, fn.WillModifyData())
}

func TestFirstNAcrossTwoSmallWrites(t *testing.T) {
	key, iv, err := RandKeyIV()
	require.NoError(t, err)
	under, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)
	fn := FirstN(1).wrap(under)

	a := []byte{0xAA}
	b := []byte{0xBB}
	origB := b[0]

	fn.Apply(a)
	assert.NotEqual(t, byte(0xAA), a[0])
	assert.False(t, fn.WillModifyData())

	fn.Apply(b)
	assert.Equal(t, origB, b[0]) // second write is past budget, untouched
}

func TestFirstNRewindRestoresPlaintext(t *testing.T) {
	key, iv, err := RandKeyIV()
	require.NoError(t, err)
	under, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)
	fn := FirstN(5).wrap(under)

	plain := []byte("0123456789")
	first := append([]byte(nil), plain...)
	fn.Apply(first)

	fn.Rewind(len(first))

	second, ok := fn.(*firstNCipher)
	require.True(t, ok)
	assert.Equal(t, 5, second.budget)

	redo := append([]byte(nil), plain...)
	fn.Apply(redo)
	assert.Equal(t, first, redo)
}

func TestFirstNRewindAfterBudgetExhaustion(t *testing.T) {
	key, iv, err := RandKeyIV()
	require.NoError(t, err)
	under, err := New(KindChaCha20, key, iv)
	require.NoError(t, err)
	fn := FirstN(3).wrap(under).(*firstNCipher)

	buf1 := []byte("abc")
	fn.Apply(buf1) // budget: 3 -> 0
	buf2 := []byte("defgh")
	fn.Apply(buf2) // budget: 0 -> -5, untouched

	fn.Rewind(len(buf2)) // budget: -5 -> 0
	assert.Equal(t, 0, fn.budget)

	fn.Rewind(len(buf1)) // budget: 0 -> 3
	assert.Equal(t, 3, fn.budget)
	assert.True(t, fn.WillModifyData())
}
