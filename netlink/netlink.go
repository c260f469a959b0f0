// Package netlink supervises the WiFi association.
//
// The platform radio is behind the Link interface; Supervisor owns the
// reconnect policy: a bounded number of attempts at fixed spacing, blinking
// the status LED, and falling back to degraded operation on failure.
package netlink

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"
)

// ErrReconnectFailed is returned when every attempt of a connect sequence
// ended without an association.
var ErrReconnectFailed = errors.New("netlink: reconnect failed")

// Status is the sampled link state.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the status name used in logs and status JSON
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Info describes the current association.
type Info struct {
	SSID string
	// RSSI in dBm, 0 when the radio does not report it.
	RSSI int
	Addr netip.Addr
}

// Link is the platform WiFi interface.
type Link interface {
	// Status samples the association state without blocking.
	Status() Status
	// Begin starts an association attempt. It may block for one attempt.
	Begin() error
	// Info returns details of the current association.
	Info() Info
}

// Indicator is the status LED. It blinks during connect attempts and is
// left on when the sequence ends.
type Indicator interface {
	Toggle()
	Set(on bool)
}

// Config tunes the reconnect sequence.
type Config struct {
	Attempts int
	Spacing  time.Duration
	// Sleep waits between attempts. Defaults to time.Sleep.
	Sleep func(time.Duration)
	// OnAttempt runs after every attempt; the firmware feeds the watchdog here.
	OnAttempt func()
	// Now defaults to time.Now.
	Now func() time.Time
}

// Supervisor checks the link and drives reconnects.
type Supervisor struct {
	link   Link
	led    Indicator
	cfg    Config
	logger *slog.Logger

	reconnects int
	failures   int
	lastChange time.Time
	lastStatus Status
}

// NewSupervisor returns a Supervisor. led may be nil.
func NewSupervisor(link Link, led Indicator, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Supervisor{link: link, led: led, cfg: cfg, logger: logger}
}

// Status samples the link.
func (s *Supervisor) Status() Status {
	st := s.link.Status()
	if st != s.lastStatus {
		s.lastStatus = st
		s.lastChange = s.cfg.Now()
	}
	return st
}

// Check is the periodic supervision task. It reconnects when the link is
// down and never returns an error: a failed reconnect leaves the device
// running in degraded mode until the next check.
func (s *Supervisor) Check(now time.Time) {
	if s.Status() == StatusConnected {
		return
	}
	s.logger.Warn("wifi:link-down", slog.String("status", s.lastStatus.String()))
	if err := s.Connect(); err == nil {
		s.reconnects++
	}
}

// Connect runs one bounded connect sequence. It is also used for the initial
// association at boot.
func (s *Supervisor) Connect() error {
	start := s.cfg.Now()
	defer s.restoreLED()
	if err := s.link.Begin(); err != nil {
		s.logger.Error("wifi:begin-failed", slog.String("err", err.Error()))
	}

	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		if s.led != nil {
			s.led.Toggle()
		}
		if s.Status() == StatusConnected {
			info := s.link.Info()
			s.logger.Info("wifi:connected",
				slog.String("ssid", info.SSID),
				slog.String("addr", info.Addr.String()),
				slog.Int("attempts", attempt),
				slog.Duration("took", s.cfg.Now().Sub(start)),
			)
			if s.cfg.OnAttempt != nil {
				s.cfg.OnAttempt()
			}
			return nil
		}
		if s.cfg.OnAttempt != nil {
			s.cfg.OnAttempt()
		}
		if attempt < s.cfg.Attempts {
			s.cfg.Sleep(s.cfg.Spacing)
		}
	}

	s.failures++
	s.logger.Error("wifi:reconnect-failed",
		slog.Int("attempts", s.cfg.Attempts),
		slog.Int("failures", s.failures),
	)
	return ErrReconnectFailed
}

// restoreLED puts the LED back in its idle on state, whatever the last
// toggle left it at.
func (s *Supervisor) restoreLED() {
	if s.led != nil {
		s.led.Set(true)
	}
}

// Stats is a snapshot of supervision counters.
type Stats struct {
	Status     Status
	Reconnects int
	Failures   int
	LastChange time.Time
}

// Stats returns the supervision counters. It does not resample the link.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Status:     s.lastStatus,
		Reconnects: s.reconnects,
		Failures:   s.failures,
		LastChange: s.lastChange,
	}
}

// Info returns the link details.
func (s *Supervisor) Info() Info {
	return s.link.Info()
}
