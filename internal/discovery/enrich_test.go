package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
	"github.com/scaneye/scaneye/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPTRServer(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			if name, ok := records[q.Name]; ok && q.Qtype == dns.TypePTR {
				m.Answer = append(m.Answer, &dns.PTR{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
					Ptr: name,
				})
			} else {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestEnricher_ReverseDNS(t *testing.T) {
	server := startPTRServer(t, map[string]string{
		"5.1.168.192.in-addr.arpa.": "printer.lan.",
		"1.1.168.192.in-addr.arpa.": "ignored.lan.",
	})

	enricher := NewEnricher(EnrichOptions{
		ReverseDNS: true,
		DNSServer:  server,
		DNSTimeout: time.Second,
	}, nil)
	require.NotNil(t, enricher)

	devices := []models.Device{
		{IP: "192.168.1.1", Hostname: "router"},
		{IP: "192.168.1.5"},
		{IP: "192.168.1.6"},
	}
	enricher.Enrich(context.Background(), devices)

	assert.Equal(t, "router", devices[0].Hostname)
	assert.Equal(t, "printer.lan", devices[1].Hostname)
	assert.Equal(t, "", devices[2].Hostname)
}

func TestEnricher_Disabled(t *testing.T) {
	enricher := NewEnricher(EnrichOptions{}, nil)
	assert.Nil(t, enricher)

	devices := []models.Device{{IP: "10.0.0.1"}}
	enricher.Enrich(context.Background(), devices)
	assert.Equal(t, []models.Device{{IP: "10.0.0.1"}}, devices)
}

func TestEnricher_DNSServerPort(t *testing.T) {
	e := NewEnricher(EnrichOptions{ReverseDNS: true, DNSServer: "192.168.1.1"}, nil)
	server, err := e.dnsServer()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1:53", server)

	e = NewEnricher(EnrichOptions{ReverseDNS: true, DNSServer: "192.168.1.1:5353"}, nil)
	server, err = e.dnsServer()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1:5353", server)
}

func TestMDNSName(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  string
	}{
		{"hostname wins", &zeroconf.ServiceEntry{HostName: "livingroom-tv.local.", ServiceRecord: zeroconf.ServiceRecord{Instance: "TV"}}, "livingroom-tv"},
		{"instance fallback", &zeroconf.ServiceEntry{ServiceRecord: zeroconf.ServiceRecord{Instance: "Office Printer"}}, "Office Printer"},
		{"instance with at sign", &zeroconf.ServiceEntry{ServiceRecord: zeroconf.ServiceRecord{Instance: "AABBCC@Kitchen"}}, "AABBCC"},
		{"nil entry", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mdnsName(tt.entry))
		})
	}
}
