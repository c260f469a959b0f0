//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"

	"openenterprise/imacdimmer/mqttbridge"
)

// mqttDialTimeout bounds one connection attempt to the broker.
const mqttDialTimeout = 10 * time.Second

var (
	errNoNetwork   = errors.New("network not up")
	errDialTimeout = errors.New("mqtt: broker did not answer")
	errRefused     = errors.New("mqtt: connection refused")
)

// Pre-allocated buffers for the broker connection
var (
	mqttRxBuf [1024]byte
	mqttTxBuf [1024]byte
)

// brokerDialer opens the MQTT transport over the lneto stack. Only one
// connection exists at a time; a new attempt tears down the previous one.
// Dial never waits for the handshake: it reports mqttbridge.ErrDialPending
// until the connection is synchronized. Closing the returned tcp.Conn only
// starts the FIN exchange; the next Dial aborts whatever is left of it.
type brokerDialer struct {
	link    *wifiLink
	broker  netip.AddrPort
	logger  *slog.Logger
	conn    tcp.Conn
	ready   bool
	dialing bool
	started time.Time
}

func newBrokerDialer(link *wifiLink, broker netip.AddrPort, logger *slog.Logger) *brokerDialer {
	return &brokerDialer{link: link, broker: broker, logger: logger}
}

func (d *brokerDialer) Dial() (io.ReadWriteCloser, error) {
	if d.dialing {
		return d.check()
	}
	stack := d.link.Stack()
	if stack == nil {
		return nil, errNoNetwork
	}
	if !d.ready {
		err := d.conn.Configure(tcp.ConnConfig{
			RxBuf:             mqttRxBuf[:],
			TxBuf:             mqttTxBuf[:],
			TxPacketQueueSize: 3,
		})
		if err != nil {
			return nil, err
		}
		d.ready = true
	}
	// Finish off the previous connection, whatever state its close is in.
	d.conn.Abort()
	d.release()

	lport := uint16(stack.Prand32()>>17) + 1024
	d.logger.Info("mqtt:dialing",
		slog.String("broker", d.broker.String()),
		slog.Uint64("localport", uint64(lport)),
	)
	if err := stack.DialTCP(&d.conn, lport, d.broker); err != nil {
		d.conn.Abort()
		return nil, err
	}
	d.dialing = true
	d.started = time.Now()
	return nil, mqttbridge.ErrDialPending
}

// check samples the attempt in flight.
func (d *brokerDialer) check() (io.ReadWriteCloser, error) {
	st := d.conn.State()
	switch {
	case st.IsSynchronized():
		d.dialing = false
		return &d.conn, nil
	case st.IsClosed():
		d.Cancel()
		return nil, errRefused
	case time.Since(d.started) > mqttDialTimeout:
		d.Cancel()
		return nil, errDialTimeout
	}
	return nil, mqttbridge.ErrDialPending
}

// Cancel drops the attempt in flight.
func (d *brokerDialer) Cancel() {
	d.dialing = false
	d.conn.Abort()
	d.release()
}

// release frees the ARP slot for the next connection.
func (d *brokerDialer) release() {
	if stack := d.link.Stack(); stack != nil {
		stack.DiscardResolveHardwareAddress6(d.broker.Addr())
	}
}

// mqttClientID appends a random suffix so parallel units never collide.
func mqttClientID(host string) string {
	r, _ := machine.GetRNG()
	id := make([]byte, 0, len(host)+5)
	id = append(id, host...)
	id = append(id, '-')
	id = appendHex(id, uint16(r))
	return string(id)
}

// appendHex appends a uint16 as 4 hex characters to the byte slice
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
