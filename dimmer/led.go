package dimmer

import "time"

// Pin is a single digital output.
type Pin interface {
	Set(high bool)
}

// StatusLED is the onboard indicator. Idle state is on (high); a pulse drops
// it low for a short hold and restores it.
type StatusLED struct {
	pin   Pin
	hold  time.Duration
	sleep func(time.Duration)
	on    bool
}

// NewStatusLED returns an LED that is switched on immediately.
// sleep may be nil, in which case time.Sleep is used for the pulse hold.
func NewStatusLED(pin Pin, hold time.Duration, sleep func(time.Duration)) *StatusLED {
	if sleep == nil {
		sleep = time.Sleep
	}
	l := &StatusLED{pin: pin, hold: hold, sleep: sleep}
	l.Set(true)
	return l
}

// Set drives the LED on or off.
func (l *StatusLED) Set(on bool) {
	l.on = on
	l.pin.Set(on)
}

// On reports the last driven state.
func (l *StatusLED) On() bool {
	return l.on
}

// Toggle inverts the LED.
func (l *StatusLED) Toggle() {
	l.Set(!l.on)
}

// Pulse blinks the LED off for the hold duration and back on. This is the
// only blocking wait on the command path and is kept well under 100ms.
func (l *StatusLED) Pulse() {
	l.Set(false)
	l.sleep(l.hold)
	l.Set(true)
}
