package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/scaneye/scaneye/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultSweepPorts are probed on every address during a native sweep.
var DefaultSweepPorts = []int{80, 443, 22, 53, 445, 8080, 62078, 5353, 3389, 5000}

// SweepOptions configures SweepScanner.
type SweepOptions struct {
	Ports       []int
	Workers     int
	DialTimeout time.Duration
	ARPTable    string
}

// SweepScanner discovers hosts with TCP connect probes and the kernel ARP
// table. It needs no external binary or raw socket privileges.
type SweepScanner struct {
	opts     SweepOptions
	enricher *Enricher
	logger   *slog.Logger
}

// NewSweepScanner creates a native scanner. enricher may be nil.
func NewSweepScanner(opts SweepOptions, enricher *Enricher, logger *slog.Logger) *SweepScanner {
	if len(opts.Ports) == 0 {
		opts.Ports = DefaultSweepPorts
	}
	if opts.Workers <= 0 {
		opts.Workers = 50
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 300 * time.Millisecond
	}
	if opts.ARPTable == "" {
		opts.ARPTable = DefaultARPTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScanner{
		opts:     opts,
		enricher: enricher,
		logger:   logger.With("component", "sweep_scanner"),
	}
}

// Scan validates subnet and probes every host address in it.
func (s *SweepScanner) Scan(ctx context.Context, subnet string) ([]models.Device, error) {
	prefix, err := ValidateSubnet(subnet)
	if err != nil {
		return nil, err
	}
	addrs, err := HostAddrs(prefix)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var mu sync.Mutex
	byIP := make(map[netip.Addr]models.Device)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			if s.probe(gctx, addr) {
				mu.Lock()
				byIP[addr] = models.Device{IP: addr.String()}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, &models.ExecutorError{Executor: "sweep", Err: err}
	}

	// Hosts that answered ARP but filter every probed port still count.
	arp, err := ReadARPTable(s.opts.ARPTable)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to read ARP table", "path", s.opts.ARPTable, "error", err)
	}
	for addr, mac := range arp {
		if !prefix.Contains(addr) {
			continue
		}
		dev, ok := byIP[addr]
		if !ok {
			dev = models.Device{IP: addr.String()}
		}
		dev.MAC = mac
		byIP[addr] = dev
	}

	devices := sortedDevices(byIP)
	s.enricher.Enrich(ctx, devices)

	s.logger.InfoContext(ctx, "Sweep finished",
		"subnet", prefix.Masked().String(),
		"probed", len(addrs),
		"devices", len(devices),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return devices, nil
}

// probe reports whether addr answered on any port. A refused connection means
// the host is up.
func (s *SweepScanner) probe(ctx context.Context, addr netip.Addr) bool {
	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	for _, port := range s.opts.Ports {
		if ctx.Err() != nil {
			return false
		}
		conn, err := dialer.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, uint16(port)).String())
		if err == nil {
			conn.Close()
			return true
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}
