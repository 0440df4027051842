package transparent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkToHostPort(t *testing.T) {
	// Port 8443 as the kernel would store it: big-endian bytes 0x20 0xFB.
	assert.Equal(t, uint16(8443), networkToHostPort(0xFB20))
	assert.Equal(t, uint16(443), networkToHostPort(0xBB01))
}

func TestAddrFromSockaddrInet4(t *testing.T) {
	a, err := addrFromSockaddrInet4([4]byte{10, 0, 0, 1}, 8080)
	assert := assert.New(t)
	assert.NoError(err)
	assert.Equal("10.0.0.1", a.Host)
	assert.Equal(uint16(8080), a.Port)
}

func TestAddrFromSockaddrInet6(t *testing.T) {
	ip := [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	a, err := addrFromSockaddrInet6(ip, 443)
	assert := assert.New(t)
	assert.NoError(err)
	assert.Equal(uint16(443), a.Port)
}
