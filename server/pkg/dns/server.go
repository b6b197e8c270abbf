package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/alexandrecolauto/lodestone/server/pkg/registry"
	"github.com/hashicorp/go-hclog"
	"github.com/miekg/dns"
)

// Registry is the read side of the registry store.
type Registry interface {
	ScanByNamePrefix(prefix string) ([]registry.ServiceRecord, error)
}

type Config struct {
	Address string
	// Domain is fully qualified, e.g. "lodestone.".
	Domain string
	TTL    uint32
}

// Server answers <name>.service.<domain> lookups from the local registry.
// Answers reflect what this node has applied, so they can lag the leader.
type Server struct {
	cfg    Config
	suffix string
	reg    Registry
	logger hclog.Logger

	mu  sync.Mutex
	srv *dns.Server
}

func NewServer(cfg Config, reg Registry, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cfg.Domain = dns.Fqdn(strings.ToLower(cfg.Domain))
	return &Server{
		cfg:    cfg,
		suffix: ".service." + cfg.Domain,
		reg:    reg,
		logger: logger,
	}
}

// Start listens on UDP and serves until Shutdown.
func (s *Server) Start() error {
	pc, err := net.ListenPacket("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(pc)
}

// Serve answers queries arriving on pc in the background.
func (s *Server) Serve(pc net.PacketConn) error {
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: s, NotifyStartedFunc: func() { close(started) }}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ActivateAndServe()
	}()
	select {
	case <-started:
		s.logger.Info("dns server listening", "address", pc.LocalAddr().String(), "domain", s.cfg.Domain)
		return nil
	case err := <-errc:
		return fmt.Errorf("starting dns server: %w", err)
	}
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown()
	s.srv = nil
	return err
}

func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		answer, extra, rcode := s.resolve(q)
		m.Answer = append(m.Answer, answer...)
		m.Extra = append(m.Extra, extra...)
		if rcode != dns.RcodeSuccess {
			m.Rcode = rcode
		}
	}
	if err := w.WriteMsg(m); err != nil {
		s.logger.Debug("failed to write dns response", "error", err)
	}
}

func (s *Server) serviceName(qname string) (string, bool) {
	qname = strings.ToLower(dns.Fqdn(qname))
	if !strings.HasSuffix(qname, s.suffix) {
		return "", false
	}
	name := strings.TrimSuffix(qname, s.suffix)
	return name, name != ""
}

func (s *Server) instances(name string) ([]registry.ServiceRecord, error) {
	recs, err := s.reg.ScanByNamePrefix(name)
	if err != nil {
		return nil, err
	}
	var out []registry.ServiceRecord
	for _, rec := range recs {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Server) header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: s.cfg.TTL}
}

func (s *Server) resolve(q dns.Question) (answer, extra []dns.RR, rcode int) {
	name, ok := s.serviceName(q.Name)
	if !ok {
		return nil, nil, dns.RcodeRefused
	}
	recs, err := s.instances(name)
	if err != nil {
		s.logger.Error("registry lookup failed", "name", name, "error", err)
		return nil, nil, dns.RcodeServerFailure
	}
	if len(recs) == 0 {
		return nil, nil, dns.RcodeNameError
	}

	for _, rec := range recs {
		ip := net.ParseIP(rec.Address)
		switch q.Qtype {
		case dns.TypeSRV:
			target := dns.Fqdn(rec.Address)
			if ip != nil {
				// IP targets are not valid host names; point at a per-instance name instead.
				target = rec.ID + ".addr." + s.cfg.Domain
				extra = append(extra, s.addressRR(target, ip))
			}
			answer = append(answer, &dns.SRV{
				Hdr:      s.header(q.Name, dns.TypeSRV),
				Priority: 1,
				Weight:   1,
				Port:     rec.Port,
				Target:   target,
			})
		case dns.TypeA:
			if ip4 := ip.To4(); ip4 != nil {
				answer = append(answer, &dns.A{Hdr: s.header(q.Name, dns.TypeA), A: ip4})
			}
		case dns.TypeAAAA:
			if ip != nil && ip.To4() == nil {
				answer = append(answer, &dns.AAAA{Hdr: s.header(q.Name, dns.TypeAAAA), AAAA: ip})
			}
		}
	}
	return answer, extra, dns.RcodeSuccess
}

func (s *Server) addressRR(name string, ip net.IP) dns.RR {
	if ip4 := ip.To4(); ip4 != nil {
		return &dns.A{Hdr: s.header(name, dns.TypeA), A: ip4}
	}
	return &dns.AAAA{Hdr: s.header(name, dns.TypeAAAA), AAAA: ip}
}
