package discovery

import (
	"io"
	"log/slog"
	"net/netip"
)

// maxDatagramsPerPoll bounds the work done by one Publisher.Poll.
const maxDatagramsPerPoll = 4

// Advertiser is the platform's mDNS socket: bound to Port and joined to the
// multicast group. Neither method may block.
type Advertiser interface {
	// Send multicasts msg to MulticastAddr.
	Send(msg []byte) error
	// Receive copies the next queued datagram into buf. ok is false when
	// nothing is waiting.
	Receive(buf []byte) (n int, ok bool, err error)
}

// Publisher drives a Responder over an Advertiser from the main loop. It
// announces the host whenever its address changes and answers queued
// queries. With a nil Advertiser every method is a no-op.
type Publisher struct {
	r      *Responder
	adv    Advertiser
	logger *slog.Logger

	announced     netip.Addr
	announcements int
	sendErrors    int
	buf           [1500]byte
}

// NewPublisher returns a Publisher for r. adv may be nil.
func NewPublisher(r *Responder, adv Advertiser, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{r: r, adv: adv, logger: logger}
}

// Enabled reports whether datagrams are sent at all.
func (p *Publisher) Enabled() bool {
	return p.adv != nil
}

// Poll announces a new address and answers up to maxDatagramsPerPoll
// queued datagrams.
func (p *Publisher) Poll() {
	if p.adv == nil {
		return
	}
	if p.r.addr.Is4() && p.r.addr != p.announced {
		if msg, err := p.r.Announcement(); err == nil && p.send(msg) {
			p.announced = p.r.addr
			p.announcements++
			p.logger.Info("mdns:announced",
				slog.String("host", p.r.HostName()),
				slog.String("addr", p.announced.String()),
			)
		}
	}

	for i := 0; i < maxDatagramsPerPoll; i++ {
		n, ok, err := p.adv.Receive(p.buf[:])
		if err != nil {
			p.logger.Warn("mdns:receive-failed", slog.String("err", err.Error()))
			return
		}
		if !ok {
			return
		}
		resp, ok, err := p.r.Respond(p.buf[:n])
		if err != nil || !ok {
			continue
		}
		p.send(resp)
	}
}

// Withdraw sends a goodbye for the announced records, for example before
// the link is torn down.
func (p *Publisher) Withdraw() {
	if p.adv == nil || !p.announced.IsValid() {
		return
	}
	msg, err := p.r.Goodbye()
	if err != nil {
		return
	}
	if p.send(msg) {
		p.logger.Info("mdns:withdrawn")
	}
	p.announced = netip.Addr{}
}

func (p *Publisher) send(msg []byte) bool {
	if err := p.adv.Send(msg); err != nil {
		p.sendErrors++
		p.logger.Warn("mdns:send-failed", slog.String("err", err.Error()))
		return false
	}
	return true
}

// Stats returns how many announcements went out and how many sends failed.
func (p *Publisher) Stats() (announcements, sendErrors int) {
	return p.announcements, p.sendErrors
}
