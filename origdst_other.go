//go:build !linux

package sentinel

import (
	"errors"
	"net"
	"net/netip"
)

// originalDestination is only available with netfilter redirection. On
// other platforms transparent TLS relies on SNI alone.
func originalDestination(net.Conn) (netip.AddrPort, error) {
	return netip.AddrPort{}, errors.New("original destination lookup not supported on this platform")
}
