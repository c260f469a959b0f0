package scheduler

import (
	"log/slog"
	"time"
)

// Pulser blinks the status LED.
type Pulser interface {
	Pulse()
}

// HeartbeatState is what a heartbeat reports.
type HeartbeatState struct {
	Link    string
	Percent int
	Level   int
}

// Heartbeat is the periodic liveness signal: one LED pulse and a status line.
type Heartbeat struct {
	led    Pulser
	state  func() HeartbeatState
	uptime func(now time.Time) time.Duration
	logger *slog.Logger
	beats  int
}

// NewHeartbeat returns a Heartbeat task body. state is sampled on every beat.
func NewHeartbeat(led Pulser, state func() HeartbeatState, s *Scheduler) *Heartbeat {
	return &Heartbeat{led: led, state: state, uptime: s.Uptime, logger: s.logger}
}

// Beat pulses the LED and logs the current state. Matches Task.Run.
func (h *Heartbeat) Beat(now time.Time) {
	h.beats++
	if h.led != nil {
		h.led.Pulse()
	}
	st := h.state()
	h.logger.Info("heartbeat",
		slog.Int("uptime_s", int(h.uptime(now)/time.Second)),
		slog.String("link", st.Link),
		slog.Int("percent", st.Percent),
		slog.Int("level", st.Level),
	)
}

// Beats returns the number of heartbeats emitted.
func (h *Heartbeat) Beats() int {
	return h.beats
}
