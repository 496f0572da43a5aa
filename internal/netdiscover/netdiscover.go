// Package netdiscover picks a sensible default bind address for a
// PXE server: the address of whichever local interface sits on the
// same network as the default gateway, since that is almost always
// the boot VLAN rather than loopback.
package netdiscover

import (
	"errors"
	"net"
	"net/netip"

	"github.com/jackpal/gateway"
)

// ErrNoInterface is returned when no local interface address could be
// determined at all, not even the gateway's own address.
var ErrNoInterface = errors.New("netdiscover: no usable local address found")

// InterfaceAddrs is overridden in tests; production code uses
// net.InterfaceAddrs.
var InterfaceAddrs = net.InterfaceAddrs

// DiscoverGateway is overridden in tests; production code uses
// gateway.DiscoverGateway.
var DiscoverGateway = gateway.DiscoverGateway

// BindAddress returns the address of the local interface whose
// network contains the default gateway. A listening server has no
// destination address to match against, only a gateway to sit
// alongside, so the gateway itself stands in for one. When no
// interface's network contains the gateway, it returns the gateway's
// own address instead.
func BindAddress() (string, error) {
	gatewayIP, err := DiscoverGateway()
	if err != nil {
		return "", err
	}
	gatewayAddr, err := netip.ParseAddr(gatewayIP.String())
	if err != nil {
		return "", err
	}

	addrs, err := InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, a := range addrs {
		network, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if network.Contains(gatewayAddr) {
			return network.Addr().String(), nil
		}
	}

	if gatewayAddr.IsValid() {
		return gatewayAddr.String(), nil
	}
	return "", ErrNoInterface
}
