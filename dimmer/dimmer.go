// Package dimmer owns the brightness state of the PWM channel.
//
// Controller is the single source of truth for the current duty level. Every
// control surface (serial, HTTP, telnet console, MQTT) goes through
// Controller.Apply; nothing else writes the level.
package dimmer

import (
	"errors"
	"io"
	"log/slog"
)

// Level is a raw PWM duty value (0..255, 8-bit resolution).
type Level uint8

// MaxLevel is the full-on duty value.
const MaxLevel Level = 255

// MaxPercent is the top of the user-facing brightness scale.
const MaxPercent = 100

// ErrNoActuator is returned when a Controller is built without an output.
var ErrNoActuator = errors.New("dimmer: no actuator")

// Actuator drives the PWM output. Implementations wrap the platform peripheral.
type Actuator interface {
	SetDuty(level Level) error
}

// Source identifies which control surface applied a level.
type Source uint8

const (
	SourceBoot Source = iota
	SourceSerial
	SourceHTTP
	SourceConsole
	SourceMQTT
)

// String returns the source name used in logs
func (s Source) String() string {
	switch s {
	case SourceBoot:
		return "boot"
	case SourceSerial:
		return "serial"
	case SourceHTTP:
		return "http"
	case SourceConsole:
		return "console"
	case SourceMQTT:
		return "mqtt"
	default:
		return "unknown"
	}
}

// ClampPercent limits p to 0..100.
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPercent {
		return MaxPercent
	}
	return p
}

// ClampLevel limits v to 0..255.
func ClampLevel(v int) Level {
	if v < 0 {
		return 0
	}
	if v > int(MaxLevel) {
		return MaxLevel
	}
	return Level(v)
}

// PercentToLevel converts a percentage to the nearest duty value.
// Out-of-range input is clamped first.
func PercentToLevel(p int) Level {
	p = ClampPercent(p)
	return Level((p*int(MaxLevel) + MaxPercent/2) / MaxPercent)
}

// LevelToPercent converts a duty value to the nearest percentage.
func LevelToPercent(v Level) int {
	return (int(v)*MaxPercent + int(MaxLevel)/2) / int(MaxLevel)
}

// Controller holds the current duty level and writes it to the actuator.
// It is not safe for concurrent use; the firmware drives it from one loop.
type Controller struct {
	act        Actuator
	logger     *slog.Logger
	level      Level
	source     Source
	generation uint32
}

// NewController returns a Controller writing to act. The level starts at 0
// until the first Apply.
func NewController(act Actuator, logger *slog.Logger) (*Controller, error) {
	if act == nil {
		return nil, ErrNoActuator
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{act: act, logger: logger}, nil
}

// Apply writes level to the actuator and, only if the write succeeds,
// records it as the current level.
func (c *Controller) Apply(level Level, src Source) error {
	if err := c.act.SetDuty(level); err != nil {
		c.logger.Error("dimmer:write-failed",
			slog.Int("level", int(level)),
			slog.String("source", src.String()),
			slog.String("err", err.Error()),
		)
		return err
	}
	prev := c.level
	c.level = level
	c.source = src
	c.generation++
	c.logger.Debug("dimmer:applied",
		slog.Int("level", int(level)),
		slog.Int("prev", int(prev)),
		slog.String("source", src.String()),
	)
	return nil
}

// ApplyPercent converts p (clamped to 0..100) and applies it.
func (c *Controller) ApplyPercent(p int, src Source) error {
	return c.Apply(PercentToLevel(p), src)
}

// Level returns the last successfully applied duty value.
func (c *Controller) Level() Level {
	return c.level
}

// Percent returns the current level on the 0..100 scale.
func (c *Controller) Percent() int {
	return LevelToPercent(c.level)
}

// LastSource returns the surface that applied the current level.
func (c *Controller) LastSource() Source {
	return c.source
}

// Generation increments on every successful Apply. Observers compare it
// against a remembered value to detect changes without callbacks.
func (c *Controller) Generation() uint32 {
	return c.generation
}
