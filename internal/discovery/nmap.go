package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"sort"
	"time"

	"github.com/scaneye/scaneye/internal/models"
)

// DefaultNmapArgs is a ping sweep tuned for a single LAN.
var DefaultNmapArgs = []string{"-sn", "-T4", "--min-parallelism", "50"}

// NmapOptions configures NmapScanner.
type NmapOptions struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

// NmapScanner discovers hosts by running nmap and parsing its XML report.
type NmapScanner struct {
	binary   string
	args     []string
	timeout  time.Duration
	enricher *Enricher
	logger   *slog.Logger
}

// NewNmapScanner creates an nmap-backed scanner. enricher may be nil.
func NewNmapScanner(opts NmapOptions, enricher *Enricher, logger *slog.Logger) *NmapScanner {
	if opts.Binary == "" {
		opts.Binary = "nmap"
	}
	if len(opts.Args) == 0 {
		opts.Args = DefaultNmapArgs
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NmapScanner{
		binary:   opts.Binary,
		args:     opts.Args,
		timeout:  opts.Timeout,
		enricher: enricher,
		logger:   logger.With("component", "nmap_scanner"),
	}
}

// Scan validates subnet and runs nmap against it.
func (n *NmapScanner) Scan(ctx context.Context, subnet string) ([]models.Device, error) {
	prefix, err := ValidateSubnet(subnet)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	args := append(append([]string{}, n.args...), "-oX", "-", prefix.String())
	cmd := exec.CommandContext(execCtx, n.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	n.logger.DebugContext(ctx, "Executing nmap", "subnet", prefix.String(), "args", args)
	start := time.Now()

	err = cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, &models.ExecutorError{Executor: "nmap", Err: fmt.Errorf("timed out after %v", n.timeout)}
	}
	if err != nil {
		n.logger.WarnContext(ctx, "nmap execution failed", "error", err, "stderr", stderr.String())
		return nil, &models.ExecutorError{Executor: "nmap", Err: err}
	}

	devices, err := parseNmapXML(stdout.Bytes())
	if err != nil {
		return nil, &models.ExecutorError{Executor: "nmap", Err: fmt.Errorf("failed to parse report: %w", err)}
	}

	n.enricher.Enrich(ctx, devices)

	n.logger.InfoContext(ctx, "nmap scan finished",
		"subnet", prefix.String(),
		"devices", len(devices),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return devices, nil
}

type nmapRun struct {
	Hosts []nmapHost `xml:"host"`
}

type nmapHost struct {
	Status struct {
		State string `xml:"state,attr"`
	} `xml:"status"`
	Addresses []struct {
		Addr     string `xml:"addr,attr"`
		AddrType string `xml:"addrtype,attr"`
		Vendor   string `xml:"vendor,attr"`
	} `xml:"address"`
	Hostnames []struct {
		Name string `xml:"name,attr"`
	} `xml:"hostnames>hostname"`
}

// parseNmapXML extracts hosts that are up. Devices are unique by IP and sorted
// numerically.
func parseNmapXML(data []byte) ([]models.Device, error) {
	var run nmapRun
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, err
	}

	byIP := make(map[netip.Addr]models.Device)
	for _, host := range run.Hosts {
		if host.Status.State != "" && host.Status.State != "up" {
			continue
		}

		var dev models.Device
		var addr netip.Addr
		for _, a := range host.Addresses {
			switch a.AddrType {
			case "ipv4":
				parsed, err := netip.ParseAddr(a.Addr)
				if err != nil {
					continue
				}
				addr = parsed
				dev.IP = parsed.String()
			case "mac":
				dev.MAC = a.Addr
				dev.Vendor = a.Vendor
			}
		}
		if !addr.IsValid() {
			continue
		}
		if len(host.Hostnames) > 0 {
			dev.Hostname = host.Hostnames[0].Name
		}
		byIP[addr] = dev
	}

	return sortedDevices(byIP), nil
}

func sortedDevices(byIP map[netip.Addr]models.Device) []models.Device {
	addrs := make([]netip.Addr, 0, len(byIP))
	for addr := range byIP {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	devices := make([]models.Device, 0, len(addrs))
	for _, addr := range addrs {
		devices = append(devices, byIP[addr])
	}
	return devices
}
