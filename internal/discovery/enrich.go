package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
	"github.com/scaneye/scaneye/internal/models"
	"golang.org/x/sync/errgroup"
)

// DefaultMDNSServices are browsed when mDNS enrichment is on.
var DefaultMDNSServices = []string{
	"_workstation._tcp",
	"_googlecast._tcp",
	"_airplay._tcp",
	"_printer._tcp",
	"_ipp._tcp",
	"_hap._tcp",
	"_smb._tcp",
	"_http._tcp",
}

const oidSysName = "1.3.6.1.2.1.1.5.0"

// EnrichOptions selects the hostname sources and their budgets.
type EnrichOptions struct {
	ReverseDNS bool
	// DNSServer is host[:port]. Empty means the first resolv.conf server.
	DNSServer  string
	DNSTimeout time.Duration

	MDNS         bool
	MDNSServices []string
	MDNSTimeout  time.Duration

	SNMP          bool
	SNMPCommunity string
	SNMPTimeout   time.Duration

	Workers int
}

// Enricher fills in missing device hostnames. Sources run in order PTR, mDNS,
// SNMP sysName and each only touches devices still without a name. Lookup
// failures are not errors.
type Enricher struct {
	opts   EnrichOptions
	logger *slog.Logger
}

// NewEnricher returns nil when every source is disabled.
func NewEnricher(opts EnrichOptions, logger *slog.Logger) *Enricher {
	if !opts.ReverseDNS && !opts.MDNS && !opts.SNMP {
		return nil
	}
	if opts.DNSTimeout <= 0 {
		opts.DNSTimeout = time.Second
	}
	if len(opts.MDNSServices) == 0 {
		opts.MDNSServices = DefaultMDNSServices
	}
	if opts.MDNSTimeout <= 0 {
		opts.MDNSTimeout = 3 * time.Second
	}
	if opts.SNMPCommunity == "" {
		opts.SNMPCommunity = "public"
	}
	if opts.SNMPTimeout <= 0 {
		opts.SNMPTimeout = time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{opts: opts, logger: logger.With("component", "enricher")}
}

// Enrich updates devices in place. It is safe to call on a nil Enricher.
func (e *Enricher) Enrich(ctx context.Context, devices []models.Device) {
	if e == nil || len(devices) == 0 {
		return
	}

	if e.opts.ReverseDNS {
		e.resolvePTR(ctx, devices)
	}
	if e.opts.MDNS && missingNames(devices) > 0 {
		names := e.browseMDNS(ctx)
		for i := range devices {
			if devices[i].Hostname == "" {
				devices[i].Hostname = names[devices[i].IP]
			}
		}
	}
	if e.opts.SNMP && missingNames(devices) > 0 {
		e.querySysName(ctx, devices)
	}
}

func missingNames(devices []models.Device) int {
	n := 0
	for _, d := range devices {
		if d.Hostname == "" {
			n++
		}
	}
	return n
}

// forEachUnnamed runs fn for devices without a hostname using a bounded
// worker group. fn's result becomes the hostname when non-empty.
func (e *Enricher) forEachUnnamed(ctx context.Context, devices []models.Device, fn func(context.Context, string) string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range devices {
		if devices[i].Hostname != "" {
			continue
		}
		i := i
		g.Go(func() error {
			if name := fn(gctx, devices[i].IP); name != "" {
				devices[i].Hostname = name
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Enricher) resolvePTR(ctx context.Context, devices []models.Device) {
	server, err := e.dnsServer()
	if err != nil {
		e.logger.DebugContext(ctx, "Reverse DNS disabled for this run", "error", err)
		return
	}
	client := &dns.Client{Timeout: e.opts.DNSTimeout}

	e.forEachUnnamed(ctx, devices, func(ctx context.Context, ip string) string {
		arpa, err := dns.ReverseAddr(ip)
		if err != nil {
			return ""
		}
		msg := new(dns.Msg)
		msg.SetQuestion(arpa, dns.TypePTR)

		in, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil || in.Rcode != dns.RcodeSuccess {
			return ""
		}
		for _, rr := range in.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, ".")
			}
		}
		return ""
	})
}

func (e *Enricher) dnsServer() (string, error) {
	if e.opts.DNSServer != "" {
		if _, _, err := net.SplitHostPort(e.opts.DNSServer); err == nil {
			return e.opts.DNSServer, nil
		}
		return net.JoinHostPort(e.opts.DNSServer, "53"), nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", err
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no nameservers in resolv.conf")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// browseMDNS listens for service announcements and maps IPv4 addresses to
// advertised names.
func (e *Enricher) browseMDNS(ctx context.Context) map[string]string {
	names := make(map[string]string)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		e.logger.DebugContext(ctx, "Failed to initialize mDNS resolver", "error", err)
		return names
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.MDNSTimeout)
	defer cancel()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, service := range e.opts.MDNSServices {
		entries := make(chan *zeroconf.ServiceEntry, 16)
		if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
			e.logger.DebugContext(ctx, "mDNS browse failed", "service", service, "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case entry, ok := <-entries:
					if !ok {
						return
					}
					name := mdnsName(entry)
					if name == "" {
						continue
					}
					mu.Lock()
					for _, ip := range entry.AddrIPv4 {
						if _, seen := names[ip.String()]; !seen {
							names[ip.String()] = name
						}
					}
					mu.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return names
}

func mdnsName(entry *zeroconf.ServiceEntry) string {
	if entry == nil {
		return ""
	}
	if host := strings.TrimSuffix(strings.TrimSuffix(entry.HostName, "."), ".local"); host != "" {
		return host
	}
	name := entry.Instance
	if idx := strings.Index(name, "@"); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

func (e *Enricher) querySysName(ctx context.Context, devices []models.Device) {
	e.forEachUnnamed(ctx, devices, func(ctx context.Context, ip string) string {
		g := &gosnmp.GoSNMP{
			Target:    ip,
			Port:      161,
			Version:   gosnmp.Version2c,
			Community: e.opts.SNMPCommunity,
			Timeout:   e.opts.SNMPTimeout,
			Retries:   0,
			Context:   ctx,
		}
		if err := g.Connect(); err != nil {
			return ""
		}
		defer g.Conn.Close()

		result, err := g.Get([]string{oidSysName})
		if err != nil || len(result.Variables) == 0 {
			return ""
		}
		pdu := result.Variables[0]
		if pdu.Type != gosnmp.OctetString {
			return ""
		}
		value, ok := pdu.Value.([]byte)
		if !ok {
			return ""
		}
		return strings.TrimSpace(string(value))
	})
}
