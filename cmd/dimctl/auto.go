package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	defaultIdleMinutes   = 10
	defaultCheckInterval = 30
	// Idle below activeWindow counts as the user being at the machine.
	activeWindow = time.Minute
	// A display dimmed from 0% comes back at safeRestorePercent.
	safeRestorePercent = 10
	idleCommandTimeout = 5 * time.Second
	testSamples        = 5
	testSampleGap      = 2 * time.Second
)

// AutoConfig holds the auto-dimmer settings kept in the config file.
type AutoConfig struct {
	// IdleMinutes of no input before the display is dimmed.
	IdleMinutes float64 `yaml:"idle_minutes"`
	// DimPercent is the brightness while dimmed; 0 blacks the panel out.
	DimPercent int `yaml:"dim_level"`
	// CheckInterval is the idle polling period in seconds.
	CheckInterval int `yaml:"check_interval"`
}

func (a *AutoConfig) applyDefaults() {
	if a.IdleMinutes <= 0 {
		a.IdleMinutes = defaultIdleMinutes
	}
	if a.DimPercent < 0 || a.DimPercent > maxPercent {
		a.DimPercent = 0
	}
	if a.CheckInterval <= 0 {
		a.CheckInterval = defaultCheckInterval
	}
}

// idleSource reports how long the workstation has seen no user input.
type idleSource interface {
	Idle(ctx context.Context) (time.Duration, error)
}

// xprintidle asks the X server through the xprintidle tool, which prints
// milliseconds.
type xprintidle struct{}

func (xprintidle) Idle(ctx context.Context) (time.Duration, error) {
	out, err := runIdleCommand(ctx, "xprintidle")
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("xprintidle: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// screensaver treats an active GNOME screensaver as idle for as long as
// possible and anything else as unknown.
type screensaver struct{}

func (screensaver) Idle(ctx context.Context) (time.Duration, error) {
	out, err := runIdleCommand(ctx, "gnome-screensaver-command", "--query")
	if err != nil {
		return 0, err
	}
	if strings.Contains(strings.ToLower(out), "is active") {
		return time.Duration(1<<63 - 1), nil
	}
	return 0, errors.New("screensaver: inactive")
}

func runIdleCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, idleCommandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// firstIdle returns the answer of the first source that has one.
type firstIdle []idleSource

func (f firstIdle) Idle(ctx context.Context) (time.Duration, error) {
	var errs []error
	for _, src := range f {
		d, err := src.Idle(ctx)
		if err == nil {
			return d, nil
		}
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("idle time unavailable: %w", errors.Join(errs...))
}

// autoDimmer dims the display after the workstation has been idle and puts
// the previous brightness back when input resumes.
type autoDimmer struct {
	c    *cli
	idle idleSource
	cfg  AutoConfig

	dimmed bool
	saved  int
}

func (a *autoDimmer) threshold() time.Duration {
	return time.Duration(a.cfg.IdleMinutes * float64(time.Minute))
}

// sampleIdle treats an unknown idle time as activity, so a failing idle source
// never leaves the display dark.
func (a *autoDimmer) sampleIdle(ctx context.Context) time.Duration {
	d, err := a.idle.Idle(ctx)
	if err != nil {
		fmt.Fprintf(a.c.out, "Warning: %v, assuming active\n", err)
		return 0
	}
	return d
}

// brightness reads the device, falling back to the remembered value.
func (a *autoDimmer) brightness() int {
	v, _, err := a.c.current()
	if err != nil {
		return a.c.cfg.LastBrightness
	}
	return v
}

// step runs one idle check.
func (a *autoDimmer) step(ctx context.Context) {
	idle := a.sampleIdle(ctx)
	switch {
	case idle < activeWindow:
		if a.dimmed {
			fmt.Fprintln(a.c.out, "User activity detected")
			a.restore()
			return
		}
		if a.brightness() == 0 {
			fmt.Fprintf(a.c.out, "Display at 0%% while in use, restoring to %d%%\n", safeRestorePercent)
			if _, err := a.c.apply(safeRestorePercent); err != nil {
				fmt.Fprintf(a.c.out, "Failed to restore: %v\n", err)
			}
		}
	case idle > a.threshold() && !a.dimmed:
		fmt.Fprintf(a.c.out, "Idle for %.1f minutes\n", idle.Minutes())
		a.dim()
	}
}

func (a *autoDimmer) dim() {
	a.saved = a.brightness()
	fmt.Fprintf(a.c.out, "Dimming display: %d%% -> %d%%\n", a.saved, a.cfg.DimPercent)
	if _, err := a.c.apply(a.cfg.DimPercent); err != nil {
		fmt.Fprintf(a.c.out, "Failed to dim: %v\n", err)
		return
	}
	a.dimmed = true
}

func (a *autoDimmer) restore() {
	if !a.dimmed {
		return
	}
	level := a.saved
	if level == 0 {
		level = safeRestorePercent
	}
	fmt.Fprintf(a.c.out, "Restoring brightness: %d%% -> %d%%\n", a.cfg.DimPercent, level)
	if _, err := a.c.apply(level); err != nil {
		fmt.Fprintf(a.c.out, "Failed to restore: %v\n", err)
		return
	}
	a.dimmed = false
}

// run checks every interval until ctx ends, then restores the display if
// it is still dimmed.
func (a *autoDimmer) run(ctx context.Context, interval time.Duration) error {
	fmt.Fprintf(a.c.out, "Auto-dimmer started: dim to %d%% after %.1f minutes idle, checking every %s\n",
		a.cfg.DimPercent, a.cfg.IdleMinutes, interval)
	fmt.Fprintf(a.c.out, "Current brightness: %d%%\n", a.brightness())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.step(ctx)
		select {
		case <-ctx.Done():
			if a.dimmed {
				fmt.Fprintln(a.c.out, "Restoring brightness before exit")
				a.restore()
			}
			fmt.Fprintln(a.c.out, "Auto-dimmer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (a *autoDimmer) status(ctx context.Context) {
	idle := a.sampleIdle(ctx)
	fmt.Fprintln(a.c.out, "Status:")
	fmt.Fprintf(a.c.out, "  Idle time:          %.0f seconds (%.1f minutes)\n", idle.Seconds(), idle.Minutes())
	fmt.Fprintf(a.c.out, "  Current brightness: %d%%\n", a.brightness())
	fmt.Fprintf(a.c.out, "  Idle threshold:     %.1f minutes\n", a.cfg.IdleMinutes)
	fmt.Fprintf(a.c.out, "  Dim level:          %d%%\n", a.cfg.DimPercent)
}

func (a *autoDimmer) testIdle(ctx context.Context, samples int, gap time.Duration) {
	fmt.Fprintln(a.c.out, "Testing idle detection...")
	for i := 1; i <= samples; i++ {
		d, err := a.idle.Idle(ctx)
		if err != nil {
			fmt.Fprintf(a.c.out, "  Sample %d: %v\n", i, err)
		} else {
			fmt.Fprintf(a.c.out, "  Sample %d: idle %.0f seconds (%.1f minutes)\n", i, d.Seconds(), d.Minutes())
		}
		if i < samples {
			select {
			case <-ctx.Done():
				return
			case <-time.After(gap):
			}
		}
	}
}

// auto parses the auto subcommand. Flags override the config file for this
// run; -save writes them back.
func (c *cli) auto(args []string, idle idleSource) error {
	settings := c.cfg.Auto
	settings.applyDefaults()

	fs := flag.NewFlagSet("auto", flag.ContinueOnError)
	fs.SetOutput(c.out)
	fs.Float64Var(&settings.IdleMinutes, "minutes", settings.IdleMinutes, "Minutes of idle time before dimming")
	fs.IntVar(&settings.DimPercent, "level", settings.DimPercent, "Brightness percentage while dimmed")
	fs.IntVar(&settings.CheckInterval, "interval", settings.CheckInterval, "Idle check interval in seconds")
	test := fs.Bool("test", false, "Sample idle detection and exit")
	status := fs.Bool("status", false, "Show idle time and brightness and exit")
	save := fs.Bool("save", false, "Save these settings to the config file and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if settings.DimPercent < 0 || settings.DimPercent > maxPercent {
		return fmt.Errorf("dim level must be 0-%d, got %d", maxPercent, settings.DimPercent)
	}
	if settings.IdleMinutes <= 0 || settings.CheckInterval <= 0 {
		return errors.New("minutes and interval must be positive")
	}

	if *save {
		c.cfg.Auto = settings
		if err := saveConfig(c.cfgPath, c.cfg); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Auto-dimmer settings saved to %s\n", c.cfgPath)
		return nil
	}

	a := &autoDimmer{c: c, idle: idle, cfg: settings}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *status:
		a.status(ctx)
		return nil
	case *test:
		a.testIdle(ctx, testSamples, testSampleGap)
		return nil
	}
	return a.run(ctx, time.Duration(settings.CheckInterval)*time.Second)
}
