package discovery

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"strings"
)

// DefaultARPTable is the Linux neighbour table.
const DefaultARPTable = "/proc/net/arp"

// ReadARPTable returns the complete IPv4 -> MAC entries of the kernel ARP
// table. A missing table (non-Linux hosts) yields an empty map.
func ReadARPTable(path string) (map[netip.Addr]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[netip.Addr]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseARPTable(f)
}

// parseARPTable reads the /proc/net/arp layout:
//
//	IP address  HW type  Flags  HW address         Mask  Device
//	192.168.1.1 0x1      0x2    aa:bb:cc:dd:ee:ff  *     eth0
func parseARPTable(r io.Reader) (map[netip.Addr]string, error) {
	entries := make(map[netip.Addr]string)
	scanner := bufio.NewScanner(r)

	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		// 0x0 marks an incomplete entry
		if fields[2] == "0x0" {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil || !addr.Is4() {
			continue
		}
		mac, err := net.ParseMAC(fields[3])
		if err != nil || isZeroMAC(mac) {
			continue
		}
		entries[addr] = strings.ToUpper(mac.String())
	}
	return entries, scanner.Err()
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
