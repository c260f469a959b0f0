package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"openenterprise/imacdimmer/command"
	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/console"
	"openenterprise/imacdimmer/dimmer"
	"openenterprise/imacdimmer/discovery"
	"openenterprise/imacdimmer/mqttbridge"
	"openenterprise/imacdimmer/netlink"
	"openenterprise/imacdimmer/scheduler"
	"openenterprise/imacdimmer/telemetry"
	"openenterprise/imacdimmer/version"
	"openenterprise/imacdimmer/webui"
)

// Boot banner written to the serial port once the startup level is applied.
const (
	bannerReady = "LCD Brightness Control Ready"
	bannerUsage = "Send values 0-100 for brightness percentage"
)

const (
	// idleCheckInterval is how often partial serial lines are checked for staleness.
	idleCheckInterval = 250 * time.Millisecond
	mdnsPollInterval  = 100 * time.Millisecond
)

// serialPort is the USB CDC port: buffered, non-blocking reads and plain writes.
type serialPort interface {
	io.Writer
	Buffered() int
	ReadByte() (byte, error)
}

// appConfig wires the platform collaborators into the app.
type appConfig struct {
	Serial   serialPort
	Actuator dimmer.Actuator
	LEDPin   dimmer.Pin
	Link     netlink.Link

	// Optional integrations; nil disables them.
	Exporter   *telemetry.Exporter
	MQTTDialer mqttbridge.Dialer
	Advertiser discovery.Advertiser
	// MQTTClientID overrides the hostname as MQTT client ID.
	MQTTClientID string

	ConsolePassword []byte

	// Sleep is used for LED pulse holds and reconnect spacing.
	Sleep func(time.Duration)
	// OnAttempt runs between reconnect attempts (watchdog feed).
	OnAttempt func()
	Logger    *slog.Logger
}

// app is the firmware core: one Controller shared by every control surface,
// driven by poll from a single loop.
type app struct {
	serial serialPort
	logger *slog.Logger

	ctl       *dimmer.Controller
	led       *dimmer.StatusLED
	disp      *command.Dispatcher
	lines     *console.LineBuffer
	sched     *scheduler.Scheduler
	heartbeat *scheduler.Heartbeat
	link      *netlink.Supervisor
	router    *webui.Router
	shell     *console.Shell
	responder *discovery.Responder
	mdns      *discovery.Publisher
	bridge    *mqttbridge.Bridge
	exporter  *telemetry.Exporter
}

// newApp builds the app, applies the startup brightness and prints the boot
// banner. An error here means the PWM output could not be driven.
func newApp(cfg appConfig, now time.Time) (*app, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Link == nil {
		return nil, errors.New("app: no link")
	}

	ctl, err := dimmer.NewController(cfg.Actuator, logger)
	if err != nil {
		return nil, err
	}
	if err := ctl.ApplyPercent(config.StartupPercent(), dimmer.SourceBoot); err != nil {
		return nil, fmt.Errorf("app: startup brightness: %w", err)
	}

	a := &app{
		serial:   cfg.Serial,
		logger:   logger,
		ctl:      ctl,
		led:      dimmer.NewStatusLED(cfg.LEDPin, config.PulseHold, cfg.Sleep),
		lines:    console.NewLineBuffer(config.MaxLineLength, config.IdleTimeout()),
		sched:    scheduler.New(logger),
		exporter: cfg.Exporter,
	}
	a.disp = command.NewDispatcher(ctl, a.led, logger)
	a.link = netlink.NewSupervisor(cfg.Link, a.led, netlink.Config{
		Attempts:  config.ReconnectAttempts,
		Spacing:   config.ReconnectSpacing,
		Sleep:     cfg.Sleep,
		OnAttempt: cfg.OnAttempt,
	}, logger)
	a.router = webui.NewRouter(webui.Deps{
		Controller: ctl,
		Dispatcher: a.disp,
		LED:        a.led,
		Link:       a.link,
		Uptime:     func() time.Duration { return a.sched.Uptime(time.Now()) },
	}, logger)

	a.responder, err = discovery.NewResponder(discovery.Config{
		Hostname: config.Hostname(),
		Port:     config.HTTPPort,
		TXT: []string{
			"device=pico-dimmer",
			"function=brightness",
			"version=" + version.Firmware(),
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	a.mdns = discovery.NewPublisher(a.responder, cfg.Advertiser, logger)

	a.shell = console.NewShell(cfg.ConsolePassword, &console.Lockout{},
		"iMac Dimmer Console "+version.Firmware(), logger)
	a.registerConsoleCommands()

	if cfg.MQTTDialer != nil {
		mcfg := mqttbridge.DefaultConfig(config.Hostname())
		if cfg.MQTTClientID != "" {
			mcfg.ClientID = cfg.MQTTClientID
		}
		a.bridge = mqttbridge.New(cfg.MQTTDialer, a.disp, ctl, mcfg, logger)
	}

	a.sched.Start(now)
	a.sched.Every("idle", idleCheckInterval, a.checkIdle)
	a.heartbeat = scheduler.NewHeartbeat(a.led, a.heartbeatState, a.sched)
	a.sched.Every("heartbeat", config.HeartbeatInterval(), a.heartbeat.Beat)
	a.sched.Every("link", config.LinkCheckInterval(), a.checkLink)
	if a.exporter != nil {
		a.sched.Every("telemetry", telemetry.FlushInterval, a.flushTelemetry)
		a.sched.Every("telemetry-io", telemetry.PumpInterval, a.exporter.PumpTask)
	}
	if a.bridge != nil {
		a.sched.Every("mqtt", config.DefaultMQTTPollInterval, a.bridge.Poll)
	}
	if a.mdns.Enabled() {
		a.sched.Every("mdns", mdnsPollInterval, a.pollMDNS)
	}

	a.writeLine(bannerReady)
	a.writeLine(bannerUsage)
	logger.Info("init:complete",
		slog.String("version", version.Firmware()),
		slog.Int("percent", ctl.Percent()),
	)
	return a, nil
}

// poll is one pass of the main loop: drain serial input, then run due tasks.
func (a *app) poll(now time.Time) {
	a.pollSerial(now)
	a.sched.Poll(now)
}

func (a *app) pollSerial(now time.Time) {
	if a.serial == nil {
		return
	}
	// A partial line left over from before a stall must not complete now.
	a.checkIdle(now)
	for a.serial.Buffered() > 0 {
		b, err := a.serial.ReadByte()
		if err != nil {
			return
		}
		line, ok := a.lines.Feed(b, now)
		if !ok {
			continue
		}
		reply, ok := a.disp.Execute(line, dimmer.SourceSerial)
		if !ok {
			continue
		}
		for _, l := range reply.Lines {
			a.writeLine(l)
		}
	}
}

func (a *app) writeLine(s string) {
	if a.serial == nil {
		return
	}
	io.WriteString(a.serial, s)
	io.WriteString(a.serial, "\r\n")
}

func (a *app) checkIdle(now time.Time) {
	if a.lines.CheckIdle(now) {
		a.logger.Debug("serial:idle-reset")
	}
}

func (a *app) checkLink(now time.Time) {
	a.link.Check(now)
	if a.link.Status() == netlink.StatusConnected {
		a.responder.SetAddr(a.link.Info().Addr)
	}
}

// pollMDNS keeps the published address in step with the link and services
// the mDNS socket.
func (a *app) pollMDNS(time.Time) {
	if a.link.Status() == netlink.StatusConnected {
		a.responder.SetAddr(a.link.Info().Addr)
	}
	a.mdns.Poll()
}

func (a *app) heartbeatState() scheduler.HeartbeatState {
	return scheduler.HeartbeatState{
		Link:    a.link.Stats().Status.String(),
		Percent: a.ctl.Percent(),
		Level:   int(a.ctl.Level()),
	}
}

func (a *app) flushTelemetry(now time.Time) {
	st := a.link.Stats()
	a.exporter.RecordGauge("dimmer.level", int64(a.ctl.Level()))
	a.exporter.RecordGauge("dimmer.percent", int64(a.ctl.Percent()))
	a.exporter.RecordCounter("wifi.reconnects", int64(st.Reconnects))
	a.exporter.RecordCounter("cmd.count", int64(a.disp.Total()))
	a.exporter.RecordGauge("uptime.seconds", int64(a.sched.Uptime(now)/time.Second))
	a.exporter.FlushTask(now)
}

func (a *app) registerConsoleCommands() {
	s := a.shell
	s.SetFallback(func(line string) (string, bool) {
		reply, ok := a.disp.Execute(line, dimmer.SourceConsole)
		if !ok {
			return "", false
		}
		return joinCRLF(reply.Lines), true
	})

	s.Handle("status", "brightness and uptime", func(w io.Writer, _ string) {
		now := time.Now()
		writef(w, "Brightness: %d%% (level %d, set by %s)\r\n",
			a.ctl.Percent(), a.ctl.Level(), a.ctl.LastSource())
		writef(w, "Uptime:     %s\r\n", a.sched.Uptime(now).Truncate(time.Second))
		writef(w, "Commands:   %d\r\n", a.disp.Total())
		for _, t := range a.sched.Tasks() {
			writef(w, "  task %-10s runs=%d max_delay=%s\r\n", t.Name, t.Runs(), t.MaxDelay())
		}
	})
	s.Handle("wifi", "link supervision", func(w io.Writer, _ string) {
		st := a.link.Stats()
		info := a.link.Info()
		writef(w, "Status:     %s\r\n", st.Status)
		writef(w, "SSID:       %s\r\n", info.SSID)
		writef(w, "Reconnects: %d\r\n", st.Reconnects)
		writef(w, "Failures:   %d\r\n", st.Failures)
		if !st.LastChange.IsZero() {
			writef(w, "Changed:    %s ago\r\n", time.Since(st.LastChange).Truncate(time.Second))
		}
	})
	s.Handle("net", "addresses and ports", func(w io.Writer, _ string) {
		requests, errs := a.router.Stats()
		queries, answers := a.responder.Stats()
		writef(w, "IP Address: %s\r\n", a.link.Info().Addr)
		writef(w, "mDNS name:  %s\r\n", a.responder.HostName())
		writef(w, "HTTP:       port %d (%d requests, %d errors)\r\n", config.HTTPPort, requests, errs)
		writef(w, "Console:    port %d\r\n", config.ConsolePort)
		if a.mdns.Enabled() {
			announced, sendErrors := a.mdns.Stats()
			writef(w, "mDNS:       %d queries, %d answers, %d announcements, %d send errors\r\n",
				queries, answers, announced, sendErrors)
		} else {
			io.WriteString(w, "mDNS:       no advertiser, DHCP hostname only\r\n")
		}
	})
	s.Handle("version", "firmware build", func(w io.Writer, _ string) {
		writef(w, "Firmware version: %s\r\nBuild date: %s\r\nGit SHA: %s\r\n",
			version.Firmware(), version.Date(), version.SHA())
	})
	s.Handle("telemetry", "exporter state", func(w io.Writer, _ string) {
		if a.exporter == nil {
			io.WriteString(w, "Telemetry: disabled\r\n")
			return
		}
		st := a.exporter.Stats()
		writef(w, "Telemetry: enabled=%t paused=%t\r\n", st.Enabled, st.Paused)
		writef(w, "  queued:  %d logs, %d metrics\r\n", st.QueuedLogs, st.QueuedMetrics)
		writef(w, "  sent:    %d logs, %d metrics\r\n", st.SentLogs, st.SentMetrics)
		writef(w, "  errors:  %d (overwritten %d)\r\n", st.SendErrors, st.Overwritten)
	})
	s.Handle("telemetry-flush", "export queued telemetry now", func(w io.Writer, _ string) {
		if a.exporter == nil {
			io.WriteString(w, "Telemetry: disabled\r\n")
			return
		}
		if err := a.exporter.Flush(); err != nil {
			io.WriteString(w, "Flush failed: "+err.Error()+"\r\n")
			return
		}
		io.WriteString(w, "Flushed\r\n")
	})
	s.Handle("mqtt", "broker session", func(w io.Writer, _ string) {
		if a.bridge == nil {
			io.WriteString(w, "MQTT: disabled\r\n")
			return
		}
		st := a.bridge.Stats()
		writef(w, "MQTT: connected=%t connects=%d failures=%d\r\n", st.Connected, st.Connects, st.Failures)
		writef(w, "  received %d, published %d, backoff %s\r\n", st.Received, st.Published, st.Backoff)
	})
}

func writef(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

func joinCRLF(lines []string) string {
	var b []byte
	for i, l := range lines {
		if i > 0 {
			b = append(b, "\r\n"...)
		}
		b = append(b, l...)
	}
	return string(b)
}

// consoleAllowed reports whether the network console should accept sessions.
func (a *app) consoleAllowed(now time.Time) bool {
	return !a.shell.Locked(now)
}
