package tcpman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/cipher"
)

func TestParamsEncodeDecodeRoundTrip(t *testing.T) {
	masterKey := MasterKey("hunter2", "server.example:8443")

	key, iv, err := cipher.RandKeyIV()
	require.NoError(t, err)
	dst, err := addr.New("example.com", 443)
	require.NoError(t, err)

	p := Params{
		Key:  key,
		IV:   iv,
		Send: cipher.FirstN(512),
		Recv: cipher.Never,
		Kind: cipher.KindChaCha20,
		Dst:  dst,
	}

	path, err := p.EncodePath(masterKey)
	require.NoError(t, err)

	got, err := DecodeParams(path, masterKey)
	require.NoError(t, err)

	assert.Equal(t, key, got.Key)
	assert.Equal(t, iv, got.IV)
	assert.Equal(t, cipher.FirstN(512), got.Send)
	assert.Equal(t, cipher.Never, got.Recv)
	assert.Equal(t, cipher.KindChaCha20, got.Kind)
	assert.Equal(t, dst, got.Dst)
}

func TestDecodeParamsRejectsWrongMasterKey(t *testing.T) {
	masterKey := MasterKey("hunter2", "server.example:8443")
	wrongKey := MasterKey("different", "server.example:8443")

	key, iv, err := cipher.RandKeyIV()
	require.NoError(t, err)
	dst, err := addr.New("example.com", 80)
	require.NoError(t, err)

	p := Params{Key: key, IV: iv, Send: cipher.Always, Recv: cipher.Always, Kind: cipher.KindChaCha20, Dst: dst}
	path, err := p.EncodePath(masterKey)
	require.NoError(t, err)

	_, err = DecodeParams(path, wrongKey)
	assert.Error(t, err)
}

func TestStrategiesForTLSPort(t *testing.T) {
	dst, err := addr.New("example.com", 443)
	require.NoError(t, err)
	send, recv := StrategiesFor(dst)
	assert.Equal(t, cipher.FirstN(512), send)
	assert.Equal(t, cipher.Never, recv)
}

func TestStrategiesForPlainPort(t *testing.T) {
	dst, err := addr.New("example.com", 8080)
	require.NoError(t, err)
	send, recv := StrategiesFor(dst)
	assert.Equal(t, cipher.Always, send)
	assert.Equal(t, cipher.Always, recv)
}
