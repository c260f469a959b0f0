package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"openenterprise/imacdimmer/command"
	"openenterprise/imacdimmer/console"
	"openenterprise/imacdimmer/dimmer"
	"openenterprise/imacdimmer/discovery"
	"openenterprise/imacdimmer/webui"

	"go.bug.st/serial/enumerator"
)

type nopActuator struct{}

func (nopActuator) SetDuty(dimmer.Level) error { return nil }

type nopPulser struct{}

func (nopPulser) Pulse() {}

// device serves the firmware's router over net/http.
type device struct {
	mu  sync.Mutex
	ctl *dimmer.Controller
}

func (d *device) percent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctl.Percent()
}

func newDevice(t *testing.T) (*httptest.Server, *device) {
	t.Helper()
	ctl, err := dimmer.NewController(nopActuator{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctl.ApplyPercent(70, dimmer.SourceBoot); err != nil {
		t.Fatal(err)
	}
	router := webui.NewRouter(webui.Deps{
		Controller: ctl,
		Dispatcher: command.NewDispatcher(ctl, nopPulser{}, nil),
	}, nil)

	d := &device{ctl: ctl}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		resp := router.Handle([]byte("GET " + r.URL.RequestURI() + " HTTP/1.1\r\n\r\n"))
		w.Header().Set("Content-Type", resp.ContentType)
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	}))
	t.Cleanup(srv.Close)
	return srv, d
}

func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(append([]string{"-config", cfgPath}, args...), &out)
	return out.String(), err
}

func TestConfigLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "dimctl.yaml")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.LastBrightness != defaultBrightness || cfg.Host != "" {
		t.Fatalf("defaults = %+v", cfg)
	}

	cfg.Host = "192.168.1.99"
	cfg.SerialPort = "/dev/ttyACM0"
	cfg.LastBrightness = 40
	if err := saveConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *cfg {
		t.Errorf("loaded %+v, want %+v", got, cfg)
	}
}

func TestConfigLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		want    int
	}{
		{name: "out of range brightness", content: "last_brightness: 400\n", want: defaultBrightness},
		{name: "below minimum", content: "last_brightness: 1\n", want: defaultBrightness},
		{name: "valid", content: "host: dimmer.lan\nlast_brightness: 35\n", want: 35},
		{name: "malformed", content: "host: [\n", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "dimctl.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := loadConfig(path)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.LastBrightness != tc.want {
				t.Errorf("LastBrightness = %d, want %d", cfg.LastBrightness, tc.want)
			}
		})
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{in: "Brightness: 70%", want: 70, ok: true},
		{in: "Brightness: 0%", want: 0, ok: true},
		{in: "Brightness set to: 40%", ok: false},
		{in: "Brightness: %", ok: false},
		{in: "pong", ok: false},
	}
	for _, tc := range tests {
		got, ok := parsePercent(tc.in)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("parsePercent(%q) = %d, %v; want %d, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStepPercent(t *testing.T) {
	tests := []struct {
		name string
		cur  int
		n    int
		up   bool
		want int
	}{
		{name: "inc", cur: 50, n: 10, up: true, want: 60},
		{name: "inc caps at 100", cur: 95, n: 10, up: true, want: 100},
		{name: "dec", cur: 50, n: 10, want: 40},
		{name: "dec floors at 5", cur: 8, n: 10, want: 5},
		{name: "dec from zero", cur: 0, n: 10, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := stepPercent(tc.cur, tc.n, tc.up); got != tc.want {
				t.Errorf("stepPercent(%d, %d, %v) = %d, want %d", tc.cur, tc.n, tc.up, got, tc.want)
			}
		})
	}
}

func TestPickPort(t *testing.T) {
	tests := []struct {
		name    string
		ports   []*enumerator.PortDetails
		want    string
		wantErr bool
	}{
		{
			name: "pico preferred",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4"},
				{Name: "/dev/ttyACM0", IsUSB: true, VID: "2e8a"},
			},
			want: "/dev/ttyACM0",
		},
		{
			name: "any usb port",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyUSB1", IsUSB: true, VID: "0403"},
			},
			want: "/dev/ttyUSB1",
		},
		{name: "none", ports: []*enumerator.PortDetails{{Name: "/dev/ttyS0"}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pickPort(tc.ports)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("pickPort = %q, want %q", got, tc.want)
			}
		})
	}
}

// fakePort replays chunks; an empty chunk is a read timeout.
type fakePort struct {
	chunks  []string
	written bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, nil
	}
	c := p.chunks[0]
	p.chunks = p.chunks[1:]
	return copy(b, c), nil
}

func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakePort) Close() error                { return nil }

func TestSerialTransportCommand(t *testing.T) {
	port := &fakePort{chunks: []string{
		"LCD Brightness Control Ready\r\n", // stale boot banner, drained
		"",
		"Brightness set to: 3%\r\nlevel=INFO msg=dimmer:applied\r\n",
		"Warning: a minimum safe brightness is 5%\r\n",
	}}
	st := &serialTransport{port: port, timeout: time.Second}

	got, err := st.Command("3")
	if err != nil {
		t.Fatal(err)
	}
	if port.written.String() != "3\n" {
		t.Errorf("wrote %q", port.written.String())
	}
	want := "Brightness set to: 3%\nWarning: a minimum safe brightness is 5%"
	if got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}
}

func TestSerialTransportNoReply(t *testing.T) {
	st := &serialTransport{port: &fakePort{}, timeout: 10 * time.Millisecond}
	if _, err := st.Command("ping"); !errors.Is(err, errNoReply) {
		t.Errorf("err = %v, want errNoReply", err)
	}
}

func TestIsLogLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{line: `time=2026-01-01T00:00:00Z level=INFO msg=init:complete`, want: true},
		{line: `level=DEBUG msg=wifi:check`, want: true},
		{line: "Brightness: 70%"},
		{line: "pong"},
	}
	for _, tc := range tests {
		if got := isLogLine(tc.line); got != tc.want {
			t.Errorf("isLogLine(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestCLIOverHTTP(t *testing.T) {
	srv, dev := newDevice(t)
	cfgPath := filepath.Join(t.TempDir(), "dimctl.yaml")

	tests := []struct {
		name    string
		args    []string
		want    string
		percent int
		wantErr bool
	}{
		{name: "get", args: []string{"get"}, want: "Brightness: 70%", percent: 70},
		{name: "set", args: []string{"set", "40"}, want: "Brightness set to: 40%", percent: 40},
		{name: "inc", args: []string{"inc", "15"}, want: "Setting brightness to: 55%", percent: 55},
		{name: "dec floors", args: []string{"dec", "90"}, want: "Setting brightness to: 5%", percent: 5},
		{name: "set out of range", args: []string{"set", "150"}, wantErr: true, percent: 5},
		{name: "ping", args: []string{"ping"}, want: "Ping response: pong", percent: 5},
		{name: "version", args: []string{"version"}, want: `"firmware_version"`, percent: 5},
		{name: "status", args: []string{"status"}, want: `"brightness_percent":5`, percent: 5},
		{name: "level", args: []string{"level", "255"}, want: "Brightness level set to: 255", percent: 100},
		{name: "unknown", args: []string{"frob"}, wantErr: true, percent: 100},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := runCLI(t, cfgPath, append([]string{"-host", srv.URL}, tc.args...)...)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, output %q", out)
				}
			} else if err != nil {
				t.Fatalf("run: %v (output %q)", err, out)
			}
			if !strings.Contains(out, tc.want) {
				t.Errorf("output %q does not contain %q", out, tc.want)
			}
			if got := dev.percent(); got != tc.percent {
				t.Errorf("device at %d%%, want %d%%", got, tc.percent)
			}
		})
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != srv.URL {
		t.Errorf("remembered host %q, want %q", cfg.Host, srv.URL)
	}
	if cfg.LastBrightness != 5 {
		t.Errorf("remembered brightness %d, want 5", cfg.LastBrightness)
	}
}

func TestCLIGetFallsBackToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfgPath := filepath.Join(t.TempDir(), "dimctl.yaml")
	if err := saveConfig(cfgPath, &Config{LastBrightness: 33}); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, cfgPath, "-host", srv.URL, "get")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Current brightness: 33% (cached)") {
		t.Errorf("output %q", out)
	}
}

func TestCLIMissingCommand(t *testing.T) {
	out, err := runCLI(t, filepath.Join(t.TempDir(), "dimctl.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("usage not printed: %q", out)
	}
}

// serveShell runs the device console on ln, one session at a time.
func serveShell(ln net.Listener, shell *console.Shell) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		shell.Open(conn, time.Now())
		buf := make([]byte, 128)
		for !shell.WantsClose() {
			n, err := conn.Read(buf)
			if err != nil {
				break
			}
			shell.Feed(buf[:n], conn, time.Now())
		}
		shell.Close()
		conn.Close()
	}
}

func TestConsoleSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	shell := console.NewShell([]byte("s3cret"), &console.Lockout{}, "iMac Dimmer Console test", nil)
	shell.Handle("status", "show status", func(w io.Writer, _ string) {
		io.WriteString(w, "Brightness: 70%\r\nWiFi: connected\r\n")
	})
	go serveShell(ln, shell)

	var out bytes.Buffer
	if err := runConsole(ln.Addr().String(), "status", "s3cret", &out); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "Brightness: 70%\r\nWiFi: connected" {
		t.Errorf("output %q", got)
	}

	err = runConsole(ln.Addr().String(), "status", "wrong", &out)
	if !errors.Is(err, errAuthFailed) {
		t.Errorf("wrong password err = %v, want errAuthFailed", err)
	}
}

func TestConsolePassword(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "console.pw")
	if err := os.WriteFile(pwFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	prompted := func() ([]byte, error) { return []byte("typed"), nil }

	tests := []struct {
		name    string
		flag    string
		env     string
		file    string
		prompt  func() ([]byte, error)
		want    string
		wantErr error
	}{
		{name: "flag wins", flag: "flag", env: "env", file: pwFile, prompt: prompted, want: "flag"},
		{name: "environment", env: "env", file: pwFile, prompt: prompted, want: "env"},
		{name: "password file", file: pwFile, prompt: prompted, want: "from-file"},
		{name: "prompt", prompt: prompted, want: "typed"},
		{name: "nothing", wantErr: errNoPassword},
		{name: "empty prompt", prompt: func() ([]byte, error) { return nil, nil }, wantErr: errNoPassword},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(passwordEnvVar, tc.env)
			got, err := consolePassword(tc.flag, &Config{PasswordFile: tc.file}, tc.prompt)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("password = %q, want %q", got, tc.want)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Setenv(passwordEnvVar, "")
		_, err := consolePassword("", &Config{PasswordFile: filepath.Join(dir, "absent")}, nil)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("err = %v, want not-exist", err)
		}
	})
}

func TestConsoleInteractive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	shell := console.NewShell([]byte("s3cret"), &console.Lockout{}, "iMac Dimmer Console test", nil)
	shell.SetFallback(func(line string) (string, bool) {
		if line == "ping" {
			return "pong", true
		}
		return "", false
	})
	go serveShell(ln, shell)

	var out bytes.Buffer
	in := strings.NewReader("ping\n\nbogus\nquit\n")
	if err := interactive(ln.Addr().String(), "s3cret", in, &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Connected!", "pong", "Unknown command: bogus", "Goodbye!"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output %q does not contain %q", out.String(), want)
		}
	}
	if strings.ContainsRune(out.String(), 0xFF) {
		t.Error("telnet negotiation leaked into output")
	}
}

// splitNegotiation sends the password prompt with its IAC sequence split
// across two writes, then answers like the device shell.
func splitNegotiation(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte{0xFF})
	time.Sleep(20 * time.Millisecond)
	conn.Write([]byte("\xfb\x01Password: "))

	r := bufio.NewReader(conn)
	if line, _ := r.ReadString('\n'); strings.TrimSpace(line) != "s3cret" {
		conn.Write([]byte("Authentication failed\r\n"))
		return
	}
	conn.Write([]byte("\xff\xfc"))
	time.Sleep(20 * time.Millisecond)
	conn.Write([]byte("\x01\r\nwelcome\r\n> "))
	r.ReadString('\n')
	conn.Write([]byte("Brightness: 70%\r\n> "))
}

func TestConsoleSplitNegotiation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go splitNegotiation(ln)

	var out bytes.Buffer
	if err := runConsole(ln.Addr().String(), "get", "s3cret", &out); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "Brightness: 70%" {
		t.Errorf("output %q", got)
	}
}

func TestDiscoverOn(t *testing.T) {
	responder, err := discovery.NewResponder(discovery.Config{
		Hostname: "imacdimmer",
		Port:     80,
		TXT:      []string{"device=pico-dimmer", "version=1.2.0"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	responder.SetAddr(netip.MustParseAddr("192.168.1.99"))

	device, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer device.Close()
	go func() {
		buf := make([]byte, 1500)
		n, from, err := device.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if resp, ok, _ := responder.Respond(buf[:n]); ok {
			device.WriteToUDP(resp, from)
		}
	}()

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	services, err := discoverOn(client, device.LocalAddr(), "imacdimmer", 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 {
		t.Fatalf("found %d services, want 1", len(services))
	}
	svc := services[0]
	if svc.Addr != netip.MustParseAddr("192.168.1.99") || svc.Port != 80 {
		t.Errorf("service = %+v", svc)
	}
	if svc.TXT["version"] != "1.2.0" {
		t.Errorf("TXT = %v", svc.TXT)
	}
	if h, ok := discoveredHost(services); !ok || h != "192.168.1.99" {
		t.Errorf("discoveredHost = %q, %v", h, ok)
	}
}
