package main

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/dimmer"
	"openenterprise/imacdimmer/discovery"
	"openenterprise/imacdimmer/netlink"
	"openenterprise/imacdimmer/telemetry"
)

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type fakeSerial struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (s *fakeSerial) Buffered() int               { return s.in.Len() }
func (s *fakeSerial) ReadByte() (byte, error)     { return s.in.ReadByte() }
func (s *fakeSerial) Write(p []byte) (int, error) { return s.out.Write(p) }

type fakeActuator struct {
	writes []dimmer.Level
	err    error
}

func (f *fakeActuator) SetDuty(level dimmer.Level) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, level)
	return nil
}

type fakePin struct{ high bool }

func (p *fakePin) Set(high bool) { p.high = high }

type fakeLink struct {
	status netlink.Status
	begins int
}

func (l *fakeLink) Status() netlink.Status { return l.status }
func (l *fakeLink) Begin() error {
	l.begins++
	return nil
}
func (l *fakeLink) Info() netlink.Info {
	return netlink.Info{SSID: "home", Addr: netip.MustParseAddr("192.168.1.99")}
}

type fakeSender struct{ posts int }

func (s *fakeSender) Post(string, []byte) error {
	s.posts++
	return nil
}

type fakeAdvertiser struct {
	inbox [][]byte
	sent  [][]byte
}

func (f *fakeAdvertiser) Send(msg []byte) error {
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeAdvertiser) Receive(buf []byte) (int, bool, error) {
	if len(f.inbox) == 0 {
		return 0, false, nil
	}
	n := copy(buf, f.inbox[0])
	f.inbox = f.inbox[1:]
	return n, true, nil
}

type testRig struct {
	app    *app
	serial *fakeSerial
	act    *fakeActuator
	link   *fakeLink
}

func newTestRig(t *testing.T, exp *telemetry.Exporter) *testRig {
	t.Helper()
	return newTestRigWith(t, func(cfg *appConfig) { cfg.Exporter = exp })
}

// newTestRigWith lets a test set optional integrations before the app is built.
func newTestRigWith(t *testing.T, opt func(*appConfig)) *testRig {
	t.Helper()
	r := &testRig{
		serial: &fakeSerial{},
		act:    &fakeActuator{},
		link:   &fakeLink{status: netlink.StatusConnected},
	}
	cfg := appConfig{
		Serial:          r.serial,
		Actuator:        r.act,
		LEDPin:          &fakePin{},
		Link:            r.link,
		ConsolePassword: []byte("pw"),
		Sleep:           func(time.Duration) {},
	}
	if opt != nil {
		opt(&cfg)
	}
	a, err := newApp(cfg, t0)
	if err != nil {
		t.Fatal(err)
	}
	r.app = a
	return r
}

// send feeds text through the serial port and returns the reply lines.
func (r *testRig) send(text string, now time.Time) []string {
	r.serial.out.Reset()
	r.serial.in.WriteString(text)
	r.app.poll(now)
	out := strings.TrimSuffix(r.serial.out.String(), "\r\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\r\n")
}

func TestBootBannerAndStartupLevel(t *testing.T) {
	r := newTestRig(t, nil)
	want := "LCD Brightness Control Ready\r\nSend values 0-100 for brightness percentage\r\n"
	if got := r.serial.out.String(); got != want {
		t.Errorf("banner = %q, want %q", got, want)
	}
	if len(r.act.writes) != 1 || r.act.writes[0] != dimmer.PercentToLevel(70) {
		t.Errorf("startup writes = %v, want [%d]", r.act.writes, dimmer.PercentToLevel(70))
	}
}

func TestStartupActuatorFailure(t *testing.T) {
	_, err := newApp(appConfig{
		Actuator: &fakeActuator{err: errors.New("pwm: not configured")},
		LEDPin:   &fakePin{},
		Link:     &fakeLink{},
		Sleep:    func(time.Duration) {},
	}, t0)
	if err == nil {
		t.Fatal("newApp() succeeded with a failing actuator")
	}
}

func TestSerialPercentRoundTrip(t *testing.T) {
	r := newTestRig(t, nil)
	for p := 0; p <= 100; p++ {
		lines := r.send(strconv.Itoa(p)+"\n", t0)
		want := "Brightness set to: " + strconv.Itoa(p) + "%"
		if len(lines) == 0 || lines[len(lines)-1] != want {
			t.Fatalf("set %d: reply %q", p, lines)
		}
		got := r.send("get\n", t0)
		if len(got) != 1 || got[0] != "Brightness: "+strconv.Itoa(p)+"%" {
			t.Fatalf("get after %d = %q", p, got)
		}
	}
}

func TestSerialOutOfRangeClamped(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"above range", "250\n", 100},
		{"huge", "99999999999999999999\n", 100},
		{"trailing junk", "40abc\n", 40},
		{"negative is not a number", "-5\n", 70},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRig(t, nil)
			r.send(tc.input, t0)
			if got := r.app.ctl.Percent(); got != tc.want {
				t.Errorf("Percent() = %d, want %d", got, tc.want)
			}
			for _, w := range r.act.writes {
				if w > dimmer.MaxLevel {
					t.Errorf("actuator saw %d", w)
				}
			}
		})
	}
}

func TestSerialOverflowDiscardsLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "digits past the limit", input: strings.Repeat("1", 51) + "\n"},
		{name: "tail parses as a level", input: strings.Repeat("x", 51) + "5abcdefgh\n"},
		{name: "tail is a command", input: strings.Repeat("x", 51) + "ping\r\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRig(t, nil)
			lines := r.send(tc.input, t0)
			if len(lines) != 0 {
				t.Errorf("overflowed line produced %q", lines)
			}
			if r.app.ctl.Percent() != 70 || len(r.act.writes) != 1 {
				t.Errorf("level changed to %d%%", r.app.ctl.Percent())
			}

			// The next line is handled normally.
			if lines := r.send("ping\n", t0); len(lines) != 1 || lines[0] != "pong" {
				t.Errorf("reply after overflow = %q, want [pong]", lines)
			}
		})
	}
}

func TestSerialIdleTimeoutDropsPartial(t *testing.T) {
	r := newTestRig(t, nil)
	r.send("40", t0)
	// No input for longer than the idle window; the idle task clears the line.
	r.app.poll(t0.Add(6 * time.Second))
	lines := r.send("\n", t0.Add(6*time.Second+100*time.Millisecond))
	if len(lines) != 0 {
		t.Errorf("stale partial completed as %q", lines)
	}
	if r.app.ctl.Percent() != 70 {
		t.Errorf("Percent() = %d, want 70", r.app.ctl.Percent())
	}

	// A line completed inside the window still applies.
	r.send("4", t0.Add(7*time.Second))
	r.send("5\n", t0.Add(8*time.Second))
	if r.app.ctl.Percent() != 45 {
		t.Errorf("Percent() = %d, want 45", r.app.ctl.Percent())
	}
}

func TestSerialStalePartialAfterStall(t *testing.T) {
	r := newTestRig(t, nil)
	r.send("40", t0)
	// The loop did not run during the stall, so the idle task never fired
	// before the terminator arrived.
	lines := r.send("\n", t0.Add(10*time.Second))
	if len(lines) != 0 {
		t.Errorf("stale partial completed as %q", lines)
	}
	if r.app.ctl.Percent() != 70 || len(r.act.writes) != 1 {
		t.Errorf("Percent() = %d, want 70", r.app.ctl.Percent())
	}
}

func TestSerialUnknownCommand(t *testing.T) {
	r := newTestRig(t, nil)
	lines := r.send("foo\n", t0)
	if len(lines) != 1 || lines[0] != "Unknown command: foo" {
		t.Errorf("reply = %q", lines)
	}
	if r.app.ctl.Percent() != 70 || len(r.act.writes) != 1 {
		t.Error("unknown command changed the level")
	}
}

func TestSerialLowBrightnessWarning(t *testing.T) {
	r := newTestRig(t, nil)
	lines := r.send("3\n", t0)
	want := []string{"Warning: a minimum safe brightness is 5%", "Brightness set to: 3%"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("reply = %q, want %q", lines, want)
	}
	if r.app.ctl.Level() != dimmer.PercentToLevel(3) {
		t.Errorf("Level() = %d", r.app.ctl.Level())
	}
}

func TestSerialAndHTTPShareState(t *testing.T) {
	r := newTestRig(t, nil)
	r.send("25\n", t0)
	resp := r.app.router.Handle([]byte("GET /wifistatus HTTP/1.1\r\nHost: x\r\n\r\n"))
	if !strings.Contains(string(resp.Body), `"brightness_percent":25`) {
		t.Errorf("wifistatus = %s", resp.Body)
	}

	r.app.router.Handle([]byte("GET /brightness?level=200 HTTP/1.1\r\n\r\n"))
	lines := r.send("get\n", t0)
	if len(lines) != 1 || lines[0] != "Brightness: 78%" {
		t.Errorf("get after /brightness = %q", lines)
	}
}

func TestScheduledTasks(t *testing.T) {
	s := &fakeSender{}
	exp := telemetry.NewExporter(s, telemetry.Resource{ServiceName: "imacdimmer"}, nil)
	r := newTestRig(t, exp)
	r.link.status = netlink.StatusDisconnected

	// Run the loop for a minute in 100ms steps.
	for now := t0; !now.After(t0.Add(time.Minute)); now = now.Add(100 * time.Millisecond) {
		r.app.poll(now)
	}

	if got := r.app.heartbeat.Beats(); got != 30 {
		t.Errorf("heartbeats = %d, want 30", got)
	}
	if r.link.begins != 2 {
		t.Errorf("link Begin calls = %d, want 2", r.link.begins)
	}
	if st := r.app.link.Stats(); st.Failures != 2 {
		t.Errorf("link failures = %d, want 2", st.Failures)
	}
	if s.posts != 2 {
		t.Errorf("telemetry posts = %d, want 2 (one metrics batch per flush)", s.posts)
	}
}

func TestConsoleShell(t *testing.T) {
	r := newTestRig(t, nil)
	var out bytes.Buffer
	sh := r.app.shell
	sh.Open(&out, t0)
	sh.Feed([]byte("pw\r\n"), &out, t0)
	if !sh.Authenticated() {
		t.Fatalf("login failed: %q", out.String())
	}

	tests := []struct {
		line string
		want string
	}{
		{"60", "Brightness set to: 60%"},
		{"get", "Brightness: 60%"},
		{"status", "Brightness: 60% (level 153, set by console)"},
		{"wifi", "SSID:       home"},
		{"net", "IP Address: 192.168.1.99"},
		{"telemetry", "Telemetry: disabled"},
		{"mqtt", "MQTT: disabled"},
		{"version", "Firmware version: dev"},
		{"ping", "pong"},
		{"foo", "Unknown command: foo"},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			out.Reset()
			sh.Feed([]byte(tc.line+"\r\n"), &out, t0)
			if !strings.Contains(out.String(), tc.want) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tc.want)
			}
		})
	}
	if r.app.ctl.LastSource() != dimmer.SourceConsole {
		t.Errorf("LastSource() = %v", r.app.ctl.LastSource())
	}
}

var _ io.Writer = (*fakeSerial)(nil)

func TestMDNSAdvertiser(t *testing.T) {
	adv := &fakeAdvertiser{}
	r := newTestRigWith(t, func(cfg *appConfig) { cfg.Advertiser = adv })

	r.app.poll(t0.Add(100 * time.Millisecond))
	if len(adv.sent) != 1 {
		t.Fatalf("sent %d messages after link up, want one announcement", len(adv.sent))
	}
	svc, err := discovery.ParseAnswer(adv.sent[0], config.Hostname())
	if err != nil {
		t.Fatal(err)
	}
	if svc.Addr != netip.MustParseAddr("192.168.1.99") || svc.Port != config.HTTPPort {
		t.Errorf("announced %s port %d", svc.Addr, svc.Port)
	}
	if svc.TXT["device"] != "pico-dimmer" {
		t.Errorf("TXT = %v", svc.TXT)
	}

	q, err := discovery.ServiceQuery()
	if err != nil {
		t.Fatal(err)
	}
	adv.inbox = append(adv.inbox, q)
	r.app.poll(t0.Add(200 * time.Millisecond))
	if len(adv.sent) != 2 {
		t.Fatalf("sent %d messages, want a query response", len(adv.sent))
	}

	var out bytes.Buffer
	sh := r.app.shell
	sh.Open(&out, t0)
	sh.Feed([]byte("pw\r\nnet\r\n"), &out, t0)
	if !strings.Contains(out.String(), "1 queries, 1 answers, 1 announcements") {
		t.Errorf("net output = %q", out.String())
	}
}

func TestMDNSWithoutAdvertiser(t *testing.T) {
	r := newTestRig(t, nil)
	for _, task := range r.app.sched.Tasks() {
		if task.Name == "mdns" {
			t.Fatal("mdns task scheduled without an advertiser")
		}
	}
}
