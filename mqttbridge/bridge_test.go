package mqttbridge

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"openenterprise/imacdimmer/command"
	"openenterprise/imacdimmer/dimmer"

	mqtt "github.com/soypat/natiu-mqtt"
)

type fakeActuator struct{ last dimmer.Level }

func (f *fakeActuator) SetDuty(level dimmer.Level) error {
	f.last = level
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

// scriptedConn serves a fixed byte script and records everything written.
type scriptedConn struct {
	script  bytes.Reader
	written bytes.Buffer
	closed  bool
}

func newScriptedConn(script []byte) *scriptedConn {
	c := &scriptedConn{}
	c.script.Reset(script)
	return c
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	if c.script.Len() == 0 {
		return 0, timeoutErr{}
	}
	return c.script.Read(p)
}

func (c *scriptedConn) Write(p []byte) (int, error) { return c.written.Write(p) }

func (c *scriptedConn) Close() error {
	c.closed = true
	return nil
}

type fakeDialer struct {
	conns []io.ReadWriteCloser
	err   error
	dials int
	// pending makes each attempt report ErrDialPending this many times.
	pending  int
	left     int
	attempts int
	cancels  int
}

func (d *fakeDialer) Dial() (io.ReadWriteCloser, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if d.left == 0 && d.pending > 0 {
		// A new attempt.
		d.attempts++
		d.left = d.pending + 1
	}
	if d.left > 0 {
		d.left--
		if d.left > 0 {
			return nil, ErrDialPending
		}
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func newTestBridge(t *testing.T, d Dialer, logs io.Writer) (*Bridge, *dimmer.Controller) {
	t.Helper()
	ctl, err := dimmer.NewController(&fakeActuator{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if logs == nil {
		logs = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	disp := command.NewDispatcher(ctl, nil, logger)
	cfg := DefaultConfig("imacdimmer")
	return New(d, disp, ctl, cfg, logger), ctl
}

func TestDefaultConfigTopics(t *testing.T) {
	cfg := DefaultConfig("imacdimmer")
	if cfg.StateTopic != "imacdimmer/brightness" || cfg.CommandTopic != "imacdimmer/set" {
		t.Errorf("topics = %q, %q", cfg.StateTopic, cfg.CommandTopic)
	}
}

func TestCommandTopicSetsBrightness(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		percent int
	}{
		{"plain value", "imacdimmer/set", "70", 70},
		{"trailing newline", "imacdimmer/set", "40\r\n", 40},
		{"clamped", "imacdimmer/set", "250", 100},
		{"other topic ignored", "imacdimmer/other", "70", 0},
		{"non-numeric ignored", "imacdimmer/set", "bright", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, ctl := newTestBridge(t, &fakeDialer{}, nil)
			err := b.onPublish(mqtt.Header{}, mqtt.VariablesPublish{TopicName: []byte(tc.topic)}, strings.NewReader(tc.payload))
			if err != nil {
				t.Fatal(err)
			}
			if got := ctl.Percent(); got != tc.percent {
				t.Errorf("Percent() = %d, want %d", got, tc.percent)
			}
			if tc.percent != 0 && ctl.LastSource() != dimmer.SourceMQTT {
				t.Errorf("LastSource() = %v, want mqtt", ctl.LastSource())
			}
		})
	}
}

func TestOversizedPayloadIsDrained(t *testing.T) {
	b, ctl := newTestBridge(t, &fakeDialer{}, nil)
	r := strings.NewReader("55" + strings.Repeat(" ", 200))
	if err := b.onPublish(mqtt.Header{}, mqtt.VariablesPublish{TopicName: []byte("imacdimmer/set")}, r); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("%d bytes left unread", r.Len())
	}
	if ctl.Percent() != 55 {
		t.Errorf("Percent() = %d, want 55", ctl.Percent())
	}
}

func TestDialFailureBacksOff(t *testing.T) {
	var logs bytes.Buffer
	d := &fakeDialer{err: errors.New("connection refused")}
	b, _ := newTestBridge(t, d, &logs)
	t0 := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	b.Poll(t0)
	if d.dials != 1 || b.Stats().Backoff != 2*time.Second {
		t.Fatalf("dials=%d backoff=%v", d.dials, b.Stats().Backoff)
	}

	// Inside the backoff window nothing is dialled.
	b.Poll(t0.Add(time.Second))
	if d.dials != 1 {
		t.Errorf("dialled during backoff")
	}

	b.Poll(t0.Add(2 * time.Second))
	if d.dials != 2 || b.Stats().Backoff != 4*time.Second {
		t.Errorf("dials=%d backoff=%v", d.dials, b.Stats().Backoff)
	}

	now := t0.Add(2 * time.Second)
	for range 10 {
		now = now.Add(b.Stats().Backoff)
		b.Poll(now)
	}
	if b.Stats().Backoff != 2*time.Minute {
		t.Errorf("backoff = %v, want capped at 2m", b.Stats().Backoff)
	}
	if b.Connected() {
		t.Error("Connected() = true")
	}
	if !strings.Contains(logs.String(), "mqtt:dial-failed") {
		t.Errorf("logs missing dial failure: %s", logs.String())
	}
}

func (d *fakeDialer) Cancel() {
	d.cancels++
	d.left = 0
}

func TestPendingDialCompletesOnLaterPoll(t *testing.T) {
	conn := newScriptedConn([]byte{0x20, 0x02, 0x00, 0x00})
	d := &fakeDialer{conns: []io.ReadWriteCloser{conn}, pending: 2}
	b, _ := newTestBridge(t, d, nil)
	t0 := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	b.Poll(t0)
	b.Poll(t0.Add(100 * time.Millisecond))
	if conn.written.Len() != 0 {
		t.Fatal("CONNECT written before the dial completed")
	}
	if st := b.Stats(); st.Failures != 0 {
		t.Fatalf("pending dial counted as failure: %+v", st)
	}

	b.Poll(t0.Add(200 * time.Millisecond))
	if conn.written.Len() == 0 || conn.written.Bytes()[0] != 0x10 {
		t.Fatalf("first packet is not CONNECT: % x", conn.written.Bytes())
	}
	if d.dials != 3 || d.attempts != 1 {
		t.Errorf("dials=%d attempts=%d, want 3 calls for one attempt", d.dials, d.attempts)
	}

	b.Poll(t0.Add(300 * time.Millisecond))
	if !b.Connected() {
		t.Error("not connected after CONNACK")
	}
}

func TestPendingDialTimesOut(t *testing.T) {
	var logs bytes.Buffer
	d := &fakeDialer{pending: 1000}
	b, _ := newTestBridge(t, d, &logs)
	t0 := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	b.Poll(t0)
	b.Poll(t0.Add(5 * time.Second))
	if b.Stats().Failures != 0 {
		t.Fatal("failed inside the connect timeout")
	}
	b.Poll(t0.Add(10*time.Second + time.Millisecond))
	st := b.Stats()
	if st.Failures != 1 || st.Backoff != 2*time.Second {
		t.Errorf("stats after timeout = %+v", st)
	}
	if d.cancels != 1 {
		t.Errorf("Cancel called %d times, want 1", d.cancels)
	}
	if !strings.Contains(logs.String(), "mqtt:dial-timeout") {
		t.Errorf("logs missing dial timeout: %s", logs.String())
	}

	// After the backoff a fresh attempt starts.
	b.Poll(t0.Add(12*time.Second + time.Millisecond))
	if d.attempts != 2 {
		t.Errorf("attempts = %d, want 2", d.attempts)
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	b, _ := newTestBridge(t, &fakeDialer{}, nil)
	if err := b.Publish(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() = %v, want ErrNotConnected", err)
	}
}

func TestConnectSubscribesAndPublishesState(t *testing.T) {
	// CONNACK: session not present, return code accepted.
	conn := newScriptedConn([]byte{0x20, 0x02, 0x00, 0x00})
	d := &fakeDialer{conns: []io.ReadWriteCloser{conn}}
	b, ctl := newTestBridge(t, d, nil)
	if err := ctl.ApplyPercent(70, dimmer.SourceSerial); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	b.Poll(t0)
	if conn.written.Len() == 0 || conn.written.Bytes()[0] != 0x10 {
		t.Fatalf("first packet is not CONNECT: % x", conn.written.Bytes())
	}
	connectLen := conn.written.Len()

	b.Poll(t0.Add(time.Second))
	if !b.Connected() {
		t.Fatalf("not connected, stats = %+v", b.Stats())
	}
	after := conn.written.Bytes()[connectLen:]
	if len(after) == 0 || after[0] != 0x82 {
		t.Fatalf("expected SUBSCRIBE after CONNACK: % x", after)
	}
	if !bytes.Contains(after, []byte("imacdimmer/set")) {
		t.Error("SUBSCRIBE does not carry the command topic")
	}
	idx := bytes.Index(after, []byte("imacdimmer/brightness"))
	if idx < 0 {
		t.Fatal("no PUBLISH on the state topic")
	}
	if !bytes.HasSuffix(after, []byte("70")) {
		t.Errorf("state payload = % x, want trailing \"70\"", after[idx:])
	}
	st := b.Stats()
	if st.Connects != 1 || st.Published != 1 || st.Backoff != 0 {
		t.Errorf("stats = %+v", st)
	}
}
