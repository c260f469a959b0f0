// Package discovery builds and answers multicast DNS service discovery
// messages for the dimmer's HTTP control surface (_http._tcp on port 80
// under <hostname>.local).
//
// Responder only deals with DNS wire messages. Publisher moves them over a
// platform Advertiser, the UDP socket on 224.0.0.251:5353.
package discovery

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// Well-known mDNS parameters.
const (
	Port        = 5353
	ServiceType = "_http._tcp"
	Domain      = "local"

	servicesEnum = "_services._dns-sd._udp.local."
	// Top bit of the class field: cache-flush on answers, unicast-response
	// requested on questions.
	classFlag = 0x8000
)

// MulticastAddr is the IPv4 mDNS group.
var MulticastAddr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{224, 0, 0, 251}), Port)

var (
	ErrNoAddress = errors.New("discovery: no address assigned")
	ErrNotFound  = errors.New("discovery: service not found in response")
)

// Config describes the advertised service.
type Config struct {
	Hostname string
	Port     uint16
	// TXT holds key=value attributes.
	TXT []string
	TTL uint32
}

// Responder answers mDNS queries for one host and one HTTP service.
type Responder struct {
	cfg    Config
	addr   netip.Addr
	logger *slog.Logger

	host     dnsmessage.Name
	service  dnsmessage.Name
	instance dnsmessage.Name
	enum     dnsmessage.Name

	buf [512]byte

	queries int
	answers int
}

// NewResponder validates cfg and returns a Responder. The host address is set
// later with SetAddr, once DHCP has completed.
func NewResponder(cfg Config, logger *slog.Logger) (*Responder, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.TTL == 0 {
		cfg.TTL = 120
	}
	r := &Responder{cfg: cfg, logger: logger}
	var err error
	if r.host, err = dnsmessage.NewName(cfg.Hostname + "." + Domain + "."); err != nil {
		return nil, fmt.Errorf("discovery: hostname: %w", err)
	}
	if r.service, err = dnsmessage.NewName(ServiceType + "." + Domain + "."); err != nil {
		return nil, err
	}
	if r.instance, err = dnsmessage.NewName(cfg.Hostname + "." + ServiceType + "." + Domain + "."); err != nil {
		return nil, fmt.Errorf("discovery: instance: %w", err)
	}
	r.enum = dnsmessage.MustNewName(servicesEnum)
	return r, nil
}

// SetAddr sets the IPv4 address published in A records.
func (r *Responder) SetAddr(addr netip.Addr) {
	r.addr = addr
}

// HostName returns the fully qualified host name.
func (r *Responder) HostName() string {
	return r.host.String()
}

// Stats returns how many queries were parsed and how many were answered.
func (r *Responder) Stats() (queries, answers int) {
	return r.queries, r.answers
}

// answerSet selects which records go into a response.
type answerSet struct {
	enum, ptr, srv, txt, a bool
}

func (s answerSet) empty() bool {
	return !s.enum && !s.ptr && !s.srv && !s.txt && !s.a
}

// Announcement returns an unsolicited response advertising every record.
// It is sent after the link comes up.
func (r *Responder) Announcement() ([]byte, error) {
	if !r.addr.Is4() {
		return nil, ErrNoAddress
	}
	return r.build(answerSet{ptr: true, srv: true, txt: true, a: true}, r.cfg.TTL)
}

// Goodbye returns a response withdrawing the service records (TTL 0).
func (r *Responder) Goodbye() ([]byte, error) {
	if !r.addr.Is4() {
		return nil, ErrNoAddress
	}
	return r.build(answerSet{ptr: true, srv: true, txt: true, a: true}, 0)
}

// Respond parses an incoming datagram and returns the response to multicast,
// or ok=false when the message holds no question for this host.
func (r *Responder) Respond(msg []byte) (resp []byte, ok bool, err error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		return nil, false, err
	}
	if hdr.Response {
		return nil, false, nil
	}
	qs, err := p.AllQuestions()
	if err != nil {
		return nil, false, err
	}
	r.queries++

	var set answerSet
	for _, q := range qs {
		if dnsmessage.Class(uint16(q.Class)&^classFlag) != dnsmessage.ClassINET && q.Class != dnsmessage.ClassANY {
			continue
		}
		name := q.Name.String()
		switch {
		case sameName(name, r.enum.String()) && wants(q.Type, dnsmessage.TypePTR):
			set.enum = true
		case sameName(name, r.service.String()) && wants(q.Type, dnsmessage.TypePTR):
			set.ptr, set.srv, set.txt, set.a = true, true, true, true
		case sameName(name, r.instance.String()):
			if wants(q.Type, dnsmessage.TypeSRV) {
				set.srv, set.a = true, true
			}
			if wants(q.Type, dnsmessage.TypeTXT) {
				set.txt = true
			}
		case sameName(name, r.host.String()) && wants(q.Type, dnsmessage.TypeA):
			set.a = true
		}
	}
	if set.empty() {
		return nil, false, nil
	}
	if set.a && !r.addr.Is4() {
		set.a = false
		if set.empty() {
			return nil, false, nil
		}
	}

	resp, err = r.build(set, r.cfg.TTL)
	if err != nil {
		return nil, false, err
	}
	r.answers++
	r.logger.Debug("mdns:answered", slog.Int("questions", len(qs)), slog.Int("bytes", len(resp)))
	return resp, true, nil
}

func wants(got, want dnsmessage.Type) bool {
	return got == want || got == dnsmessage.TypeALL
}

func sameName(a, b string) bool {
	return strings.EqualFold(a, b)
}

func (r *Responder) build(set answerSet, ttl uint32) ([]byte, error) {
	b := dnsmessage.NewBuilder(r.buf[:0], dnsmessage.Header{Response: true, Authoritative: true})
	b.EnableCompression()
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}

	shared := dnsmessage.ResourceHeader{Class: dnsmessage.ClassINET, TTL: ttl}
	unique := dnsmessage.ResourceHeader{Class: dnsmessage.ClassINET | classFlag, TTL: ttl}

	if set.enum {
		h := shared
		h.Name = r.enum
		if err := b.PTRResource(h, dnsmessage.PTRResource{PTR: r.service}); err != nil {
			return nil, err
		}
	}
	if set.ptr {
		h := shared
		h.Name = r.service
		if err := b.PTRResource(h, dnsmessage.PTRResource{PTR: r.instance}); err != nil {
			return nil, err
		}
	}
	if set.srv {
		h := unique
		h.Name = r.instance
		if err := b.SRVResource(h, dnsmessage.SRVResource{Port: r.cfg.Port, Target: r.host}); err != nil {
			return nil, err
		}
	}
	if set.txt {
		h := unique
		h.Name = r.instance
		txt := r.cfg.TXT
		if len(txt) == 0 {
			txt = []string{""}
		}
		if err := b.TXTResource(h, dnsmessage.TXTResource{TXT: txt}); err != nil {
			return nil, err
		}
	}
	if set.a && r.addr.Is4() {
		h := unique
		h.Name = r.host
		if err := b.AResource(h, dnsmessage.AResource{A: r.addr.As4()}); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}
