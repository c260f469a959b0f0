package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	httpTimeout   = 5 * time.Second
	serialBaud    = 115200
	serialTick    = 200 * time.Millisecond
	serialTimeout = 3 * time.Second
	// Raspberry Pi USB vendor ID, reported by the Pico's CDC port.
	picoVID = "2E8A"
)

var errNoReply = errors.New("no reply from device")

// transport sends one command line and returns the device's reply text.
type transport interface {
	Command(cmd string) (string, error)
	Close() error
}

// httpTransport talks to the firmware's /serial bridge and JSON endpoints.
type httpTransport struct {
	base   string
	client *http.Client
}

func newHTTPTransport(host string) *httpTransport {
	base := host
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &httpTransport{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: httpTimeout},
	}
}

func (t *httpTransport) get(path string, query url.Values) (string, error) {
	u := t.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := t.client.Get(u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, text)
	}
	return text, nil
}

func (t *httpTransport) Command(cmd string) (string, error) {
	return t.get("/serial", url.Values{"cmd": {cmd}})
}

// Version returns the raw /version JSON.
func (t *httpTransport) Version() (string, error) {
	return t.get("/version", nil)
}

// Status returns the raw /wifistatus JSON.
func (t *httpTransport) Status() (string, error) {
	return t.get("/wifistatus", nil)
}

// SetLevel writes a raw 0-255 duty level.
func (t *httpTransport) SetLevel(level int) (string, error) {
	return t.get("/brightness", url.Values{"level": {strconv.Itoa(level)}})
}

// reachable reports whether a dimmer answers on this address.
func (t *httpTransport) reachable() bool {
	body, err := t.Version()
	return err == nil && strings.Contains(body, "firmware_version")
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// serialTransport writes command lines to the USB serial port. The same
// port carries the firmware's log output, which is filtered from replies.
type serialTransport struct {
	port    io.ReadWriteCloser
	timeout time.Duration
	buf     [256]byte
}

func openSerial(name string) (*serialTransport, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: serialBaud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if err := p.SetReadTimeout(serialTick); err != nil {
		p.Close()
		return nil, err
	}
	return &serialTransport{port: p, timeout: serialTimeout}, nil
}

// drain discards anything queued before the command, such as the boot banner.
// A read timeout shows up as a zero-length read.
func (s *serialTransport) drain() error {
	for {
		n, err := s.port.Read(s.buf[:])
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (s *serialTransport) Command(cmd string) (string, error) {
	if err := s.drain(); err != nil {
		return "", fmt.Errorf("serial read: %w", err)
	}
	if _, err := s.port.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("serial write: %w", err)
	}

	var lines []string
	var partial []byte
	deadline := time.Now().Add(s.timeout)
	for {
		n, err := s.port.Read(s.buf[:])
		if err != nil {
			return "", fmt.Errorf("serial read: %w", err)
		}
		if n == 0 {
			if len(lines) > 0 {
				break
			}
			if time.Now().After(deadline) {
				return "", errNoReply
			}
			continue
		}
		partial = append(partial, s.buf[:n]...)
		for {
			i := bytes.IndexByte(partial, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(partial[:i]), "\r")
			partial = partial[i+1:]
			if line == "" || isLogLine(line) {
				continue
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (s *serialTransport) Close() error {
	return s.port.Close()
}

// isLogLine matches slog text output interleaved with replies.
func isLogLine(line string) bool {
	return strings.HasPrefix(line, "time=") || strings.HasPrefix(line, "level=")
}

// findSerialPort returns the first port that looks like a Pico, falling
// back to any USB serial port.
func findSerialPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	return pickPort(ports)
}

func pickPort(ports []*enumerator.PortDetails) (string, error) {
	var fallback string
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, picoVID) {
			return p.Name, nil
		}
		if fallback == "" {
			fallback = p.Name
		}
	}
	if fallback == "" {
		return "", errors.New("no USB serial port found")
	}
	return fallback, nil
}
