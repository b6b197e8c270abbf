package dns

import (
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/alexandrecolauto/lodestone/server/pkg/registry"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRegistry []registry.ServiceRecord

func (r staticRegistry) ScanByNamePrefix(prefix string) ([]registry.ServiceRecord, error) {
	var out []registry.ServiceRecord
	for _, rec := range r {
		if strings.HasPrefix(rec.Name, prefix) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func startTestServer(t *testing.T, reg Registry) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(Config{Domain: "lodestone", TTL: 5}, reg, nil)
	require.NoError(t, s.Serve(pc))
	t.Cleanup(func() { s.Shutdown() })
	return pc.LocalAddr().String()
}

func query(t *testing.T, addr, name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	c := new(dns.Client)
	resp, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	return resp
}

var testRecords = staticRegistry{
	{ID: "w1", Name: "web", Address: "10.0.0.1", Port: 8080},
	{ID: "w2", Name: "web", Address: "10.0.0.2", Port: 8081},
	{ID: "d1", Name: "db", Address: "db.internal", Port: 5432},
	{ID: "a1", Name: "webapp", Address: "10.0.0.9", Port: 9000},
}

func TestSRVReturnsOneRecordPerInstance(t *testing.T) {
	addr := startTestServer(t, testRecords)
	resp := query(t, addr, "web.service.lodestone.", dns.TypeSRV)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 2)

	var ports []int
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		require.True(t, ok)
		ports = append(ports, int(srv.Port))
		assert.Equal(t, uint32(5), srv.Hdr.Ttl)
	}
	sort.Ints(ports)
	assert.Equal(t, []int{8080, 8081}, ports)
	assert.Len(t, resp.Extra, 2)

	resp = query(t, addr, "db.service.lodestone.", dns.TypeSRV)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "db.internal.", resp.Answer[0].(*dns.SRV).Target)
}

func TestAReturnsInstanceAddresses(t *testing.T) {
	addr := startTestServer(t, testRecords)
	resp := query(t, addr, "WEB.service.lodestone.", dns.TypeA)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)

	var ips []string
	for _, rr := range resp.Answer {
		ips = append(ips, rr.(*dns.A).A.String())
	}
	sort.Strings(ips)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, ips)
}

func TestUnknownNameIsNXDOMAIN(t *testing.T) {
	addr := startTestServer(t, testRecords)
	resp := query(t, addr, "cache.service.lodestone.", dns.TypeSRV)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)

	resp = query(t, addr, "example.com.", dns.TypeA)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestNameMatchesExactlyNotByPrefix(t *testing.T) {
	addr := startTestServer(t, testRecords)
	resp := query(t, addr, "web.service.lodestone.", dns.TypeA)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	for _, rr := range resp.Answer {
		assert.NotEqual(t, "10.0.0.9", rr.(*dns.A).A.String())
	}

	resp = query(t, addr, "webapp.service.lodestone.", dns.TypeSRV)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, uint16(9000), resp.Answer[0].(*dns.SRV).Port)
}
