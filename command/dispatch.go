package command

import (
	"io"
	"log/slog"
	"strconv"
	"strings"

	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/dimmer"
	"openenterprise/imacdimmer/version"
)

// Reply text. Host tooling matches on these prefixes, keep them stable.
const (
	replyPong          = "pong"
	replyVersion       = "Firmware version: "
	replyBuildDate     = "Build date: "
	replyBrightness    = "Brightness: "
	replyBrightnessSet = "Brightness set to: "
	replyLowWarning    = "Warning: a minimum safe brightness is 5%"
	replyUnknown       = "Unknown command: "
	replyApplyFailed   = "Error: failed to set brightness"
)

// Reply is the textual outcome of a dispatched command.
type Reply struct {
	Lines []string
	// Warning is set when the command was applied with an advisory warning.
	Warning bool
	// Changed is set when the brightness level was written.
	Changed bool
	// Failed is set when the command could not be carried out.
	Failed bool
}

// Text joins the reply lines with newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Pulser acknowledges a received brightness command.
type Pulser interface {
	Pulse()
}

// Dispatcher carries out parsed commands against the shared Controller.
type Dispatcher struct {
	ctl    *dimmer.Controller
	ack    Pulser
	logger *slog.Logger

	counts [KindSetBrightness + 1]int
}

// NewDispatcher returns a Dispatcher. ack may be nil to skip the LED pulse.
func NewDispatcher(ctl *dimmer.Controller, ack Pulser, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{ctl: ctl, ack: ack, logger: logger}
}

// Execute interprets and dispatches a line. ok is false for an empty line.
func (d *Dispatcher) Execute(line string, src dimmer.Source) (reply Reply, ok bool) {
	cmd, ok := Interpret(line)
	if !ok {
		return Reply{}, false
	}
	return d.Dispatch(cmd, src), true
}

// Dispatch carries out cmd.
func (d *Dispatcher) Dispatch(cmd Command, src dimmer.Source) Reply {
	if int(cmd.Kind) < len(d.counts) {
		d.counts[cmd.Kind]++
	}

	switch cmd.Kind {
	case KindPing:
		return Reply{Lines: []string{replyPong}}

	case KindVersion:
		return Reply{Lines: []string{
			replyVersion + version.Firmware(),
			replyBuildDate + version.Date(),
		}}

	case KindGet:
		return Reply{Lines: []string{replyBrightness + strconv.Itoa(d.ctl.Percent()) + "%"}}

	case KindSetBrightness:
		return d.setBrightness(cmd.Percent, src)

	default:
		d.logger.Info("cmd:unknown", slog.String("raw", cmd.Raw), slog.String("source", src.String()))
		return Reply{Lines: []string{replyUnknown + cmd.Raw}}
	}
}

func (d *Dispatcher) setBrightness(percent int, src dimmer.Source) Reply {
	percent = dimmer.ClampPercent(percent)
	var r Reply

	// Advisory only: the value is still applied so the panel can be fully dimmed.
	if percent > 0 && percent < config.LowBrightnessWarnPercent {
		r.Warning = true
		r.Lines = append(r.Lines, replyLowWarning)
	}

	if err := d.ctl.ApplyPercent(percent, src); err != nil {
		r.Failed = true
		r.Lines = append(r.Lines, replyApplyFailed)
		return r
	}
	r.Changed = true

	if d.ack != nil {
		d.ack.Pulse()
	}

	d.logger.Info("cmd:brightness",
		slog.Int("percent", percent),
		slog.Int("level", int(d.ctl.Level())),
		slog.String("source", src.String()),
		slog.Bool("warning", r.Warning),
	)
	r.Lines = append(r.Lines, replyBrightnessSet+strconv.Itoa(percent)+"%")
	return r
}

// Count returns how many commands of kind k were dispatched.
func (d *Dispatcher) Count(k Kind) int {
	if int(k) >= len(d.counts) {
		return 0
	}
	return d.counts[k]
}

// Total returns the number of dispatched commands of every kind.
func (d *Dispatcher) Total() int {
	total := 0
	for _, n := range d.counts {
		total += n
	}
	return total
}
