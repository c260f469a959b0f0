// Package mqttbridge mirrors the brightness onto an MQTT broker: the current
// percent is published (retained) on a state topic, and lines received on a
// command topic are run through the same interpreter as the serial port.
//
// The bridge is polled from the main loop. It never blocks for longer than the
// transport's read deadline and reconnects with exponential backoff.
package mqttbridge

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"openenterprise/imacdimmer/command"
	"openenterprise/imacdimmer/dimmer"

	mqtt "github.com/soypat/natiu-mqtt"
)

var (
	// ErrNotConnected is returned by Publish while the session is down.
	ErrNotConnected = errors.New("mqttbridge: not connected")
	// ErrDialPending is returned by a Dialer whose connection attempt is
	// still in progress. The bridge calls Dial again on its next poll.
	ErrDialPending = errors.New("mqttbridge: dial in progress")
)

// Dialer opens the transport to the broker. Dial must not block: a dialer
// that needs network round trips starts the attempt, returns ErrDialPending
// and completes it on a later call.
type Dialer interface {
	Dial() (io.ReadWriteCloser, error)
}

// canceler is implemented by dialers that can drop a pending attempt.
type canceler interface {
	Cancel()
}

// deadliner is implemented by transports that support read deadlines.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Config holds the session parameters.
type Config struct {
	ClientID     string
	StateTopic   string
	CommandTopic string
	// ConnectTimeout bounds the wait for CONNACK.
	ConnectTimeout time.Duration
	// ReadWindow is the read deadline used when servicing the session.
	ReadWindow time.Duration
	RetryMin   time.Duration
	RetryMax   time.Duration
}

// DefaultConfig returns the topic layout used by the host tooling.
func DefaultConfig(hostname string) Config {
	return Config{
		ClientID:       hostname,
		StateTopic:     hostname + "/brightness",
		CommandTopic:   hostname + "/set",
		ConnectTimeout: 10 * time.Second,
		ReadWindow:     20 * time.Millisecond,
		RetryMin:       2 * time.Second,
		RetryMax:       2 * time.Minute,
	}
}

type sessionState uint8

const (
	stateIdle sessionState = iota
	stateDialing
	stateConnecting
	stateConnected
)

// Stats are the bridge counters.
type Stats struct {
	Connected bool
	Connects  int
	Failures  int
	Received  int
	Published int
	Backoff   time.Duration
}

// Bridge is one MQTT session.
type Bridge struct {
	dialer Dialer
	disp   *command.Dispatcher
	ctl    *dimmer.Controller
	cfg    Config
	logger *slog.Logger

	client *mqtt.Client
	conn   io.ReadWriteCloser
	state  sessionState

	dialStarted    time.Time
	connectStarted time.Time
	nextDial       time.Time
	backoff        time.Duration
	packetID       uint16

	stateTopic   []byte
	commandTopic []byte
	publishedGen uint32
	havePub      bool

	userBuf [512]byte
	cmdBuf  [64]byte
	payload [8]byte

	stats Stats
}

// New returns a Bridge. Nothing is dialled until the first Poll.
func New(d Dialer, disp *command.Dispatcher, ctl *dimmer.Controller, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 2 * time.Second
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	b := &Bridge{
		dialer:       d,
		disp:         disp,
		ctl:          ctl,
		cfg:          cfg,
		logger:       logger,
		stateTopic:   []byte(cfg.StateTopic),
		commandTopic: []byte(cfg.CommandTopic),
	}
	b.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: b.userBuf[:]},
		OnPub:   b.onPublish,
	})
	return b
}

// Poll advances the session. It is the scheduler task body.
func (b *Bridge) Poll(now time.Time) {
	switch b.state {
	case stateIdle:
		if now.Before(b.nextDial) {
			return
		}
		b.dialStarted = now
		b.dial(now)

	case stateDialing:
		b.dial(now)
		if b.state == stateDialing && now.Sub(b.dialStarted) > b.cfg.ConnectTimeout {
			if c, ok := b.dialer.(canceler); ok {
				c.Cancel()
			}
			b.fail(now, "dial-timeout", errors.New("no connection"))
		}

	case stateConnecting:
		b.service(now)
		if b.state != stateConnecting {
			return
		}
		if b.client.IsConnected() {
			b.onConnected(now)
			return
		}
		if now.Sub(b.connectStarted) > b.cfg.ConnectTimeout {
			b.fail(now, "connect-timeout", errors.New("no CONNACK"))
		}

	case stateConnected:
		b.service(now)
		if b.state != stateConnected {
			return
		}
		if !b.client.IsConnected() {
			b.fail(now, "session-lost", errors.New("client disconnected"))
			return
		}
		b.publishIfChanged()
	}
}

func (b *Bridge) dial(now time.Time) {
	conn, err := b.dialer.Dial()
	if errors.Is(err, ErrDialPending) {
		b.state = stateDialing
		return
	}
	if err != nil {
		b.fail(now, "dial-failed", err)
		return
	}
	b.conn = conn
	b.setDeadline(now.Add(b.cfg.ConnectTimeout))

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(b.cfg.ClientID))
	if err := b.client.StartConnect(conn, &varconn); err != nil {
		b.fail(now, "start-connect-failed", err)
		return
	}
	b.state = stateConnecting
	b.connectStarted = now
	b.logger.Info("mqtt:connecting", slog.String("clientid", b.cfg.ClientID))
}

func (b *Bridge) onConnected(now time.Time) {
	b.state = stateConnected
	b.backoff = 0
	b.stats.Connects++
	b.logger.Info("mqtt:connected")

	b.setDeadline(now.Add(b.cfg.ConnectTimeout))
	b.packetID++
	err := b.client.StartSubscribe(mqtt.VariablesSubscribe{
		TopicFilters: []mqtt.SubscribeRequest{
			{TopicFilter: b.commandTopic, QoS: mqtt.QoS0},
		},
		PacketIdentifier: b.packetID,
	})
	if err != nil {
		b.fail(now, "subscribe-failed", err)
		return
	}
	b.logger.Info("mqtt:subscribed", slog.String("topic", b.cfg.CommandTopic))

	// Publish the current level on every new session so the retained state
	// is correct even if it changed while disconnected.
	b.havePub = false
	b.publishIfChanged()
}

// service reads at most one pending packet.
func (b *Bridge) service(now time.Time) {
	b.setDeadline(now.Add(b.cfg.ReadWindow))
	if err := b.client.HandleNext(); err != nil {
		if isTimeout(err) {
			return
		}
		if !b.client.IsConnected() {
			b.fail(now, "read-failed", err)
			return
		}
		b.logger.Debug("mqtt:handle-next", slog.String("err", err.Error()))
	}
}

func (b *Bridge) publishIfChanged() {
	gen := b.ctl.Generation()
	if b.havePub && gen == b.publishedGen {
		return
	}
	if err := b.Publish(); err != nil {
		b.logger.Warn("mqtt:publish-failed", slog.String("err", err.Error()))
		return
	}
	b.publishedGen = gen
	b.havePub = true
}

// retained QoS0 for the state topic
var stateFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, true)

// Publish sends the current percent on the state topic.
func (b *Bridge) Publish() error {
	if b.state != stateConnected {
		return ErrNotConnected
	}
	payload := strconv.AppendInt(b.payload[:0], int64(b.ctl.Percent()), 10)
	b.packetID++
	err := b.client.PublishPayload(stateFlags, mqtt.VariablesPublish{
		TopicName:        b.stateTopic,
		PacketIdentifier: b.packetID,
	}, payload)
	if err != nil {
		return err
	}
	b.stats.Published++
	b.logger.Debug("mqtt:published", slog.String("topic", b.cfg.StateTopic), slog.String("payload", string(payload)))
	return nil
}

// onPublish handles messages on subscribed topics.
func (b *Bridge) onPublish(_ mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	if !bytes.Equal(varPub.TopicName, b.commandTopic) {
		return nil
	}
	n, err := io.ReadFull(r, b.cmdBuf[:])
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	// Drain anything past the buffer so the decoder stays in sync.
	if n == len(b.cmdBuf) {
		io.Copy(io.Discard, r)
	}
	b.stats.Received++

	line := string(bytes.TrimSpace(b.cmdBuf[:n]))
	reply, ok := b.disp.Execute(line, dimmer.SourceMQTT)
	if !ok {
		return nil
	}
	b.logger.Info("mqtt:command",
		slog.String("line", line),
		slog.String("reply", reply.Text()),
	)
	return nil
}

func (b *Bridge) fail(now time.Time, reason string, err error) {
	b.stats.Failures++
	if b.conn != nil {
		if b.client.IsConnected() {
			b.client.Disconnect(errors.New(reason))
		}
		b.conn.Close()
		b.conn = nil
	}
	b.state = stateIdle

	if b.backoff == 0 {
		b.backoff = b.cfg.RetryMin
	} else {
		b.backoff = min(b.backoff*2, b.cfg.RetryMax)
	}
	b.nextDial = now.Add(b.backoff)
	b.logger.Warn("mqtt:"+reason,
		slog.String("err", err.Error()),
		slog.Duration("retry_in", b.backoff),
	)
}

func (b *Bridge) setDeadline(t time.Time) {
	if d, ok := b.conn.(deadliner); ok {
		d.SetDeadline(t)
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Connected reports whether the session is up.
func (b *Bridge) Connected() bool {
	return b.state == stateConnected
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	s := b.stats
	s.Connected = b.state == stateConnected
	s.Backoff = b.backoff
	return s
}
