//go:build linux

package transparent

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wiretun/wiretun/addr"
)

// soOriginalDst is SO_ORIGINAL_DST, the netfilter-defined getsockopt
// name that recovers a REDIRECT/TPROXY'd socket's pre-NAT destination,
// at both the IPPROTO_IP and IPPROTO_IPV6 levels.
const soOriginalDst = 80

// OriginalDst recovers the pre-redirect destination of conn via
// SO_ORIGINAL_DST. conn must be the direct result of Listener.Accept
// — no wrapping buffered reader — since this reads the raw file
// descriptor.
func OriginalDst(conn *net.TCPConn) (addr.Address, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return addr.Address{}, fmt.Errorf("transparent: getting raw conn: %w", err)
	}

	isIPv4 := conn.LocalAddr().(*net.TCPAddr).IP.To4() != nil

	var dst addr.Address
	var opErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if isIPv4 {
			dst, opErr = originalDst4(int(fd))
		} else {
			dst, opErr = originalDst6(int(fd))
		}
	})
	if ctrlErr != nil {
		return addr.Address{}, fmt.Errorf("transparent: Control: %w", ctrlErr)
	}
	if opErr != nil {
		return addr.Address{}, opErr
	}
	return dst, nil
}

func originalDst4(fd int) (addr.Address, error) {
	var raw unix.RawSockaddrInet4
	size := uint32(unix.SizeofSockaddrInet4)
	if err := getsockopt(fd, unix.IPPROTO_IP, soOriginalDst, uintptr(unsafe.Pointer(&raw)), &size); err != nil {
		return addr.Address{}, fmt.Errorf("transparent: getsockopt SO_ORIGINAL_DST: %w", err)
	}
	return addrFromSockaddrInet4(raw.Addr, networkToHostPort(raw.Port))
}

func originalDst6(fd int) (addr.Address, error) {
	var raw unix.RawSockaddrInet6
	size := uint32(unix.SizeofSockaddrInet6)
	if err := getsockopt(fd, unix.IPPROTO_IPV6, soOriginalDst, uintptr(unsafe.Pointer(&raw)), &size); err != nil {
		return addr.Address{}, fmt.Errorf("transparent: getsockopt SO_ORIGINAL_DST (v6): %w", err)
	}
	return addrFromSockaddrInet6(raw.Addr, networkToHostPort(raw.Port))
}

func getsockopt(fd, level, name int, valPtr uintptr, valLen *uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		valPtr,
		uintptr(unsafe.Pointer(valLen)),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
