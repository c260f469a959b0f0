//go:build tinygo

package main

import (
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/credentials"
	"openenterprise/imacdimmer/netlink"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

const pollTime = 5 * time.Millisecond

// pumpErrorLimit is how many consecutive RecvAndSend errors mark the link down.
const pumpErrorLimit = 50

var requestedIP = [4]byte{192, 168, 1, 99}

// wifiLink adapts the CYW43439 stack to netlink.Link. The radio is brought
// up on the first Begin; later calls re-run DHCP on the existing stack.
type wifiLink struct {
	netLogger *slog.Logger
	logger    *slog.Logger
	cystack   *cywnet.Stack

	addr       netip.Addr
	dhcpDone   bool
	pumpErrors int
}

func newWifiLink(netLogger, logger *slog.Logger) *wifiLink {
	return &wifiLink{netLogger: netLogger, logger: logger}
}

func (l *wifiLink) join() error {
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = l.netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    config.Hostname(),
			MaxTCPPorts: 4, // HTTP + console + MQTT + telemetry
		},
	)
	if err != nil {
		return err
	}
	l.cystack = cystack
	go l.pump()
	return nil
}

// Stack returns the lneto stack, or nil before the first successful join.
func (l *wifiLink) Stack() *xnet.StackAsync {
	if l.cystack == nil {
		return nil
	}
	return l.cystack.LnetoStack()
}

func (l *wifiLink) Status() netlink.Status {
	switch {
	case !l.dhcpDone:
		return netlink.StatusDisconnected
	case l.pumpErrors >= pumpErrorLimit:
		return netlink.StatusConnecting
	default:
		return netlink.StatusConnected
	}
}

func (l *wifiLink) Begin() error {
	if l.cystack == nil {
		if err := l.join(); err != nil {
			return err
		}
	}
	l.pumpErrors = 0
	results, err := l.cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		l.dhcpDone = false
		return err
	}
	l.addr = results.AssignedAddr
	l.dhcpDone = true
	l.logger.Info("dhcp:complete", slog.String("addr", l.addr.String()))
	return nil
}

func (l *wifiLink) Info() netlink.Info {
	return netlink.Info{SSID: credentials.SSID(), Addr: l.addr}
}

// pump processes network packets in the background. It never touches
// brightness state.
func (l *wifiLink) pump() {
	var count int
	for {
		send, recv, err := l.cystack.RecvAndSend()
		if err != nil {
			l.pumpErrors++
		} else if send > 0 || recv > 0 {
			l.pumpErrors = 0
		}
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
