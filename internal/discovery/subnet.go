package discovery

import (
	"log/slog"
	"net"

	"github.com/scaneye/scaneye/internal/models"
)

// ifaceInfo is the subset of interface state the detector looks at.
type ifaceInfo struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []*net.IPNet
}

// InterfaceDetector derives the default scan subnet from the host's network
// interfaces.
type InterfaceDetector struct {
	list   func() ([]ifaceInfo, error)
	logger *slog.Logger
}

// NewInterfaceDetector returns a detector reading the system interfaces.
func NewInterfaceDetector(logger *slog.Logger) *InterfaceDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterfaceDetector{
		list:   systemInterfaces,
		logger: logger.With("component", "subnet_detector"),
	}
}

// DefaultSubnet returns the network CIDR of the first up, non-loopback
// interface carrying an IPv4 address. ok is false when there is none.
func (d *InterfaceDetector) DefaultSubnet() (subnet string, ok bool) {
	ifaces, err := d.list()
	if err != nil {
		d.logger.Warn("Failed to list network interfaces", "error", err)
		return "", false
	}
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, ipnet := range iface.Addrs {
			if cidr, ok := networkCIDR(ipnet); ok {
				return cidr, true
			}
		}
	}
	return "", false
}

// Interfaces lists every non-loopback IPv4 interface address.
func (d *InterfaceDetector) Interfaces() ([]models.NetworkInterface, error) {
	ifaces, err := d.list()
	if err != nil {
		return nil, err
	}

	result := []models.NetworkInterface{}
	for _, iface := range ifaces {
		if iface.Loopback {
			continue
		}
		for _, ipnet := range iface.Addrs {
			cidr, ok := networkCIDR(ipnet)
			if !ok {
				continue
			}
			result = append(result, models.NetworkInterface{
				Name:    iface.Name,
				Address: ipnet.IP.To4().String(),
				Netmask: net.IP(ipnet.Mask).String(),
				Subnet:  cidr,
			})
		}
	}
	return result, nil
}

// networkCIDR masks an interface address down to its network, e.g.
// 192.168.1.23/24 -> 192.168.1.0/24.
func networkCIDR(ipnet *net.IPNet) (string, bool) {
	if ipnet == nil {
		return "", false
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil || ip4.IsLoopback() {
		return "", false
	}
	if _, bits := ipnet.Mask.Size(); bits != 32 {
		return "", false
	}
	network := &net.IPNet{IP: ip4.Mask(ipnet.Mask), Mask: ipnet.Mask}
	return network.String(), true
}

func systemInterfaces() ([]ifaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	result := make([]ifaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		info := ifaceInfo{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				info.Addrs = append(info.Addrs, ipnet)
			}
		}
		result = append(result, info)
	}
	return result, nil
}
