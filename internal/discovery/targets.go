// Package discovery finds devices on the local subnet. It owns subnet
// validation and detection, the scan executors (nmap and a native TCP sweep)
// and hostname enrichment.
package discovery

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/scaneye/scaneye/internal/models"
)

// maxSweepHosts bounds how many addresses a native sweep will expand.
const maxSweepHosts = 65536

// InvalidSubnetMessage is reported for any malformed subnet.
const InvalidSubnetMessage = "Invalid subnet format. Expected CIDR notation (e.g., 192.168.1.0/24)."

// ValidateSubnet checks that value is an IPv4 CIDR block and returns the
// parsed prefix. Host bits are allowed ("192.168.1.10/24").
func ValidateSubnet(value string) (netip.Prefix, error) {
	value = strings.TrimSpace(value)
	if !strings.Contains(value, "/") {
		return netip.Prefix{}, &models.ValidationError{Field: "subnet", Message: InvalidSubnetMessage}
	}
	prefix, err := netip.ParsePrefix(value)
	if err != nil || !prefix.Addr().Is4() {
		return netip.Prefix{}, &models.ValidationError{Field: "subnet", Message: InvalidSubnetMessage}
	}
	return prefix, nil
}

// HostAddrs expands prefix into its usable host addresses. For IPv4 blocks
// larger than /31 the network and broadcast addresses are excluded.
func HostAddrs(prefix netip.Prefix) ([]netip.Addr, error) {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 16 {
		return nil, &models.ValidationError{
			Field:   "subnet",
			Message: fmt.Sprintf("CIDR block too large (>%d hosts): %s", maxSweepHosts, prefix),
		}
	}

	prefix = prefix.Masked()
	addrs := make([]netip.Addr, 0, 1<<hostBits)
	for addr := prefix.Addr(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		addrs = append(addrs, addr)
	}

	if prefix.Addr().Is4() && prefix.Bits() < 31 && len(addrs) >= 2 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs, nil
}
