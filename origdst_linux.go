//go:build linux

package sentinel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// originalDestination returns the pre-NAT destination of a connection that
// was redirected to the proxy by netfilter.
func originalDestination(conn net.Conn) (netip.AddrPort, error) {
	tc, ok := unwrapTCPConn(conn)
	if !ok {
		return netip.AddrPort{}, errors.New("original destination: not a TCP connection")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("original destination: %w", err)
	}

	var (
		mreq    *unix.IPv6Mreq
		sockErr error
	)
	// SO_ORIGINAL_DST fills a sockaddr_in; IPv6Mreq is the only getsockopt
	// helper with a large enough buffer.
	err = raw.Control(func(fd uintptr) {
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	})
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("original destination: %w", err)
	}
	if sockErr != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockopt SO_ORIGINAL_DST: %w", sockErr)
	}

	b := mreq.Multiaddr
	port := uint16(b[2])<<8 | uint16(b[3])
	addr := netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
	return netip.AddrPortFrom(addr, port), nil
}
