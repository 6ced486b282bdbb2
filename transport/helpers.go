package transport

import (
	"fmt"
	"net"
)

// InterfaceBroadcastAddrs returns the directed broadcast address of every IPv4
// network on an up, broadcast-capable, non-loopback interface.
func InterfaceBroadcastAddrs() ([]string, error) {
	ifaces, ifaceErr := net.Interfaces()
	if ifaceErr != nil {
		return nil, fmt.Errorf("unable to list network interfaces: %w", ifaceErr)
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, addrErr := iface.Addrs()
		if addrErr != nil {
			return nil, fmt.Errorf("unable to get addresses of interface %q: %w", iface.Name, addrErr)
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if bcast := directedBroadcast(ipNet); bcast != nil {
				out = append(out, bcast.String())
			}
		}
	}
	return out, nil
}

// directedBroadcast returns the all-ones host address of an IPv4 network, or
// nil for IPv6 and single-host networks.
func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	if ones, _ := n.Mask.Size(); ones >= 31 {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip {
		out[i] = ip[i] | ^n.Mask[i]
	}
	return out
}
