//go:build tinygo

package telemetry

import (
	"errors"
	"net/netip"
	"strconv"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	postTimeout  = 10 * time.Second
	closeTimeout = 500 * time.Millisecond
)

var (
	errPostTimeout = errors.New("telemetry: collector timeout")
	errRejected    = errors.New("telemetry: collector rejected payload")
	errNoResponse  = errors.New("telemetry: connection closed without response")
)

type postState uint8

const (
	postIdle postState = iota
	postConnecting
	postSending
	postAwaiting
	postClosing
)

// TCPSender posts payloads to an OTLP/HTTP collector over the lneto stack.
// One connection per post; the collector sees Connection: close.
//
// Post only opens the connection and copies the request. Pump moves it
// along a step at a time and never waits on the network.
type TCPSender struct {
	stack     *xnet.StackAsync
	collector netip.AddrPort

	conn       tcp.Conn
	configured bool
	state      postState
	started    time.Time
	closing    time.Time
	result     error

	req  []byte
	sent int

	rxBuf   [512]byte
	txBuf   [2560]byte
	respBuf [256]byte
	reqBuf  [payloadSize + 192]byte
}

// NewTCPSender returns a sender for collector.
func NewTCPSender(stack *xnet.StackAsync, collector netip.AddrPort) *TCPSender {
	return &TCPSender{stack: stack, collector: collector}
}

// Post starts sending body to path. It returns ErrSenderBusy while the
// previous post is still in flight.
func (s *TCPSender) Post(path string, body []byte) error {
	if s.state != postIdle {
		return ErrSenderBusy
	}
	if !s.configured {
		err := s.conn.Configure(tcp.ConnConfig{
			RxBuf:             s.rxBuf[:],
			TxBuf:             s.txBuf[:],
			TxPacketQueueSize: 3,
		})
		if err != nil {
			return err
		}
		s.configured = true
	}

	r := s.reqBuf[:0]
	r = append(r, "POST "...)
	r = append(r, path...)
	r = append(r, " HTTP/1.1\r\nHost: "...)
	r = s.collector.Addr().AppendTo(r)
	r = append(r, "\r\nContent-Type: application/json\r\nContent-Length: "...)
	r = strconv.AppendInt(r, int64(len(body)), 10)
	r = append(r, "\r\nConnection: close\r\n\r\n"...)
	if len(r)+len(body) > cap(s.reqBuf) {
		return ErrPayloadTooLarge
	}
	s.req = append(r, body...)
	s.sent = 0

	s.conn.Abort()
	lport := uint16(s.stack.Prand32()>>17) + 1024
	if err := s.stack.DialTCP(&s.conn, lport, s.collector); err != nil {
		s.conn.Abort()
		return err
	}
	s.state = postConnecting
	s.started = time.Now()
	s.result = nil
	return nil
}

// Busy reports whether a post is in flight.
func (s *TCPSender) Busy() bool {
	return s.state != postIdle
}

// Pump advances the post in flight. done is set once the connection has
// been released, with the outcome in err.
func (s *TCPSender) Pump(now time.Time) (done bool, err error) {
	if s.state == postIdle {
		return false, nil
	}
	if s.state != postClosing && now.Sub(s.started) > postTimeout {
		s.finish(now, errPostTimeout)
	}

	st := s.conn.State()
	switch s.state {
	case postConnecting:
		switch {
		case st.IsSynchronized():
			s.state = postSending
		case st.IsClosed():
			s.finish(now, errors.New("telemetry: connection refused"))
		}

	case postSending:
		if !st.TxDataOpen() {
			s.finish(now, errNoResponse)
			break
		}
		// Write only what fits, so Write never waits for buffer space.
		n := min(s.conn.AvailableOutput(), len(s.req)-s.sent)
		if n > 0 {
			w, err := s.conn.Write(s.req[s.sent : s.sent+n])
			s.sent += w
			if err != nil {
				s.finish(now, err)
				break
			}
		}
		if s.sent == len(s.req) {
			s.state = postAwaiting
		}

	case postAwaiting:
		if s.conn.BufferedInput() > 0 {
			n, _ := s.conn.Read(s.respBuf[:])
			// "HTTP/1.1 2xx"
			if n >= 12 && s.respBuf[9] == '2' {
				s.finish(now, nil)
			} else {
				s.finish(now, errRejected)
			}
		} else if !st.RxDataOpen() {
			s.finish(now, errNoResponse)
		}

	case postClosing:
		if st.IsClosed() || now.Sub(s.closing) > closeTimeout {
			s.conn.Abort()
			s.stack.DiscardResolveHardwareAddress6(s.collector.Addr())
			s.state = postIdle
			return true, s.result
		}
	}
	return false, nil
}

// finish records the outcome and starts the close handshake. The
// connection is released by a later Pump.
func (s *TCPSender) finish(now time.Time, result error) {
	if s.state == postClosing {
		return
	}
	s.result = result
	s.conn.Close()
	s.state = postClosing
	s.closing = now
}
