//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/console"
	"openenterprise/imacdimmer/credentials"
	"openenterprise/imacdimmer/telemetry"
	"openenterprise/imacdimmer/webui"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	httpSessionTimeout    = 5 * time.Second
	consoleSessionTimeout = 10 * time.Minute
	closeWait             = 3 * time.Second
	writeChunk            = 512
)

// Pre-allocated connection buffers
var (
	httpRxBuf    [1024]byte
	httpTxBuf    [1024]byte
	consoleRxBuf [512]byte
	consoleTxBuf [1024]byte
)

// session is what a tcpService runs on an accepted connection.
type session interface {
	open(w io.Writer, now time.Time)
	// data handles received bytes and reports whether the session is over.
	data(p []byte, w io.Writer, now time.Time) (done bool)
	// tick runs on every poll of an open session.
	tick(w io.Writer, now time.Time) (done bool)
	close()
}

type serviceState uint8

const (
	svcIdle serviceState = iota
	svcListening
	svcActive
	svcClosing
)

// tcpService is a single-connection TCP server advanced by poll. One client
// at a time; a second client waits in the stack's backlog until the first
// session ends.
type tcpService struct {
	name    string
	port    uint16
	stack   *xnet.StackAsync
	logger  *slog.Logger
	sess    session
	timeout time.Duration
	// allow gates new listens, used for the console lockout.
	allow func(now time.Time) bool

	conn    tcp.Conn
	state   serviceState
	since   time.Time
	readBuf [128]byte
	w       chunkWriter
}

func newTCPService(name string, port uint16, stack *xnet.StackAsync, rx, tx []byte, sess session, timeout time.Duration, logger *slog.Logger) (*tcpService, error) {
	s := &tcpService{
		name:    name,
		port:    port,
		stack:   stack,
		logger:  logger,
		sess:    sess,
		timeout: timeout,
	}
	err := s.conn.Configure(tcp.ConnConfig{
		RxBuf:             rx,
		TxBuf:             tx,
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return nil, err
	}
	s.w.conn = &s.conn
	return s, nil
}

func (s *tcpService) poll(now time.Time) {
	switch s.state {
	case svcIdle:
		if s.allow != nil && !s.allow(now) {
			return
		}
		s.conn.Abort()
		if err := s.stack.ListenTCP(&s.conn, s.port); err != nil {
			s.logger.Error(s.name+":listen-failed", slog.String("err", err.Error()))
			return
		}
		s.state = svcListening

	case svcListening:
		st := s.conn.State()
		if st.IsPreestablished() {
			return
		}
		if !st.IsSynchronized() {
			s.state = svcIdle
			return
		}
		s.state = svcActive
		s.since = now
		s.logger.Debug(s.name+":connected", slog.String("ip", formatRemoteIP(s.conn.RemoteAddr())))
		s.sess.open(&s.w, now)
		s.conn.Flush()

	case svcActive:
		st := s.conn.State()
		if st.IsClosed() || st.IsClosing() || !st.RxDataOpen() {
			s.finish(now)
			return
		}
		n, err := s.conn.Read(s.readBuf[:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			s.finish(now)
			return
		}
		done := false
		if n > 0 {
			s.since = now
			done = s.sess.data(s.readBuf[:n], &s.w, now)
		}
		if !done {
			done = s.sess.tick(&s.w, now)
		}
		s.conn.Flush()
		if done || now.Sub(s.since) > s.timeout {
			s.finish(now)
		}

	case svcClosing:
		if s.conn.State().IsClosed() || now.Sub(s.since) > closeWait {
			s.conn.Abort()
			s.state = svcIdle
		}
	}
}

func (s *tcpService) finish(now time.Time) {
	s.sess.close()
	s.conn.Close()
	s.state = svcClosing
	s.since = now
}

// chunkWriter splits large writes so they fit the tx buffer, flushing and
// letting the stack drain between chunks.
type chunkWriter struct {
	conn *tcp.Conn
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := min(written+writeChunk, len(p))
		n, err := w.conn.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
		if end < len(p) {
			w.conn.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}
	return written, nil
}

// httpSession reads one request head and answers it.
type httpSession struct {
	router *webui.Router
	buf    [1024]byte
	n      int
}

func (h *httpSession) open(io.Writer, time.Time) { h.n = 0 }

func (h *httpSession) data(p []byte, w io.Writer, _ time.Time) bool {
	h.n += copy(h.buf[h.n:], p)
	raw := h.buf[:h.n]
	if !webui.HeadComplete(raw) && h.n < len(h.buf) {
		return false
	}
	resp := h.router.Handle(raw)
	resp.WriteTo(w)
	return true
}

func (h *httpSession) tick(io.Writer, time.Time) bool { return false }

func (h *httpSession) close() {}

// consoleSession runs the telnet shell.
type consoleSession struct {
	shell *console.Shell
}

func (c *consoleSession) open(w io.Writer, now time.Time) { c.shell.Open(w, now) }

func (c *consoleSession) data(p []byte, w io.Writer, now time.Time) bool {
	c.shell.Feed(p, w, now)
	return c.shell.WantsClose()
}

func (c *consoleSession) tick(w io.Writer, now time.Time) bool {
	c.shell.Tick(w, now)
	return c.shell.WantsClose()
}

func (c *consoleSession) close() { c.shell.Close() }

// formatRemoteIP formats a 4-byte IP address as dotted decimal
func formatRemoteIP(addr []byte) string {
	if len(addr) < 4 {
		return "unknown"
	}
	var buf [15]byte
	b := buf[:0]
	for i := 0; i < 4; i++ {
		if i > 0 {
			b = append(b, '.')
		}
		b = appendUint8(b, addr[i])
	}
	return string(b)
}

func appendUint8(b []byte, v byte) []byte {
	if v >= 100 {
		b = append(b, '0'+v/100)
	}
	if v >= 10 {
		b = append(b, '0'+(v/10)%10)
	}
	return append(b, '0'+v%10)
}

// netServices are the TCP front ends started once the link first comes up.
type netServices struct {
	http    *tcpService
	console *tcpService
}

func startNetServices(a *app, link *wifiLink, exporter *telemetry.Exporter, logger *slog.Logger) *netServices {
	stack := link.Stack()
	s := &netServices{}

	var err error
	s.http, err = newTCPService("http", config.HTTPPort, stack, httpRxBuf[:], httpTxBuf[:],
		&httpSession{router: a.router}, httpSessionTimeout, logger)
	if err != nil {
		logger.Error("http:configure-failed", slog.String("err", err.Error()))
		s.http = nil
	} else {
		logger.Info("http:listening", slog.Uint64("port", uint64(config.HTTPPort)))
	}

	if len(credentials.ConsolePassword()) == 0 {
		logger.Info("console:disabled")
	} else {
		s.console, err = newTCPService("console", config.ConsolePort, stack, consoleRxBuf[:], consoleTxBuf[:],
			&consoleSession{shell: a.shell}, consoleSessionTimeout, logger)
		if err != nil {
			logger.Error("console:configure-failed", slog.String("err", err.Error()))
			s.console = nil
		} else {
			s.console.allow = a.consoleAllowed
			logger.Info("console:listening", slog.Uint64("port", uint64(config.ConsolePort)))
		}
	}

	collector, ok, err := config.TelemetryCollectorAddr()
	switch {
	case err != nil:
		logger.Error("config:collector-invalid", slog.String("err", err.Error()))
	case ok:
		exporter.SetSender(telemetry.NewTCPSender(stack, collector))
		logger.Info("telemetry:enabled", slog.String("collector", collector.String()))
	default:
		exporter.Disable()
	}

	// StackAsync has no UDP socket, so the app runs without a
	// discovery.Advertiser and the name goes out as the DHCP hostname.
	a.responder.SetAddr(link.Info().Addr)
	return s
}

func (s *netServices) poll(now time.Time) {
	if s.http != nil {
		s.http.poll(now)
	}
	if s.console != nil {
		s.console.poll(now)
	}
}
