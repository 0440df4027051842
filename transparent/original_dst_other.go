//go:build !linux

package transparent

import (
	"net"

	"github.com/wiretun/wiretun/addr"
)

// OriginalDst is unavailable outside linux: SO_ORIGINAL_DST is a
// netfilter/iptables concept with no equivalent socket option on
// other platforms.
func OriginalDst(conn *net.TCPConn) (addr.Address, error) {
	return addr.Address{}, errUnsupported()
}
