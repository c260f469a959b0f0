package discovery

import (
	"net/netip"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// Service is what a client learns from a discovery response.
type Service struct {
	Instance string
	Host     string
	Addr     netip.Addr
	Port     uint16
	TXT      map[string]string
}

// Query builds a one-question mDNS query. name must be fully qualified.
func Query(name string, qtype dnsmessage.Type) ([]byte, error) {
	n, err := dnsmessage.NewName(name)
	if err != nil {
		return nil, err
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 128), dnsmessage.Header{})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: n, Type: qtype, Class: dnsmessage.ClassINET}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// ServiceQuery returns a PTR query for the HTTP service type.
func ServiceQuery() ([]byte, error) {
	return Query(ServiceType+"."+Domain+".", dnsmessage.TypePTR)
}

// HostQuery returns an A query for hostname.local.
func HostQuery(hostname string) ([]byte, error) {
	return Query(hostname+"."+Domain+".", dnsmessage.TypeA)
}

// ParseAnswer extracts the service records from a response. Answers and
// additionals are both searched. If hostname is non-empty only that host's
// service is accepted.
func ParseAnswer(msg []byte, hostname string) (Service, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		return Service{}, err
	}
	if !hdr.Response {
		return Service{}, ErrNotFound
	}
	if err := p.SkipAllQuestions(); err != nil {
		return Service{}, err
	}
	answers, err := p.AllAnswers()
	if err != nil {
		return Service{}, err
	}
	if err := p.SkipAllAuthorities(); err != nil {
		return Service{}, err
	}
	extra, err := p.AllAdditionals()
	if err != nil {
		return Service{}, err
	}

	var svc Service
	addrs := map[string]netip.Addr{}
	for _, rr := range append(answers, extra...) {
		switch body := rr.Body.(type) {
		case *dnsmessage.PTRResource:
			if sameName(rr.Header.Name.String(), ServiceType+"."+Domain+".") {
				svc.Instance = body.PTR.String()
			}
		case *dnsmessage.SRVResource:
			svc.Host = body.Target.String()
			svc.Port = body.Port
		case *dnsmessage.TXTResource:
			svc.TXT = parseTXT(body.TXT)
		case *dnsmessage.AResource:
			addrs[strings.ToLower(rr.Header.Name.String())] = netip.AddrFrom4(body.A)
		}
	}

	if svc.Host == "" {
		// A bare A answer to a host query.
		for name, a := range addrs {
			svc.Host, svc.Addr = name, a
			break
		}
	} else {
		svc.Addr = addrs[strings.ToLower(svc.Host)]
	}
	if !svc.Addr.IsValid() {
		return Service{}, ErrNotFound
	}
	if hostname != "" && !sameName(svc.Host, hostname+"."+Domain+".") {
		return Service{}, ErrNotFound
	}
	return svc, nil
}

func parseTXT(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		if e == "" {
			continue
		}
		k, v, _ := strings.Cut(e, "=")
		m[k] = v
	}
	return m
}
