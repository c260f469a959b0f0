package config

import (
	_ "embed"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Compiled-in defaults. Every value can be overridden by placing a non-empty
// value in the corresponding .text file before building.
const (
	DefaultHostname          = "imacdimmer"
	DefaultStartupPercent    = 70
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultLinkCheckInterval = 30 * time.Second
	DefaultIdleTimeout       = 5 * time.Second
	DefaultMQTTPollInterval  = 1 * time.Second
)

// Fixed hardware and protocol parameters.
const (
	PWMPin        = 16 // GP16, PWM slice 0 channel A
	PWMFrequency  = 10000
	StatusLEDPin  = 2 // GP2, the only pin accepted by /led
	SerialBaud    = 115200
	HTTPPort      = uint16(80)
	ConsolePort   = uint16(23)
	MaxLineLength = 50

	// Pulse hold for command acknowledgment and heartbeat blinks.
	PulseHold = 50 * time.Millisecond

	ReconnectAttempts = 20
	ReconnectSpacing  = 500 * time.Millisecond

	// Percentages below this (but above zero) produce an advisory warning.
	LowBrightnessWarnPercent = 5
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed hostname.text
	hostnameOverride string

	//go:embed startup_brightness.text
	startupBrightnessOverride string

	//go:embed heartbeat_interval.text
	heartbeatIntervalOverride string

	//go:embed link_check_interval.text
	linkCheckIntervalOverride string

	//go:embed idle_timeout.text
	idleTimeoutOverride string
)

// Optional integrations (empty file = integration disabled).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed telemetry_collector.text
	telemetryCollector string
)

// Hostname returns the local hostname advertised over DHCP and mDNS.
func Hostname() string {
	if override := strings.TrimSpace(hostnameOverride); override != "" {
		return override
	}
	return DefaultHostname
}

// StartupPercent returns the brightness applied at boot, clamped to 0..100.
func StartupPercent() int {
	return percentOverride(startupBrightnessOverride, DefaultStartupPercent)
}

// HeartbeatInterval returns how often the status LED pulses and a status line is logged.
func HeartbeatInterval() time.Duration {
	return durationOverride(heartbeatIntervalOverride, DefaultHeartbeatInterval)
}

// LinkCheckInterval returns how often WiFi connectivity is checked.
func LinkCheckInterval() time.Duration {
	return durationOverride(linkCheckIntervalOverride, DefaultLinkCheckInterval)
}

// IdleTimeout returns how long a partial input line survives without new bytes.
func IdleTimeout() time.Duration {
	return durationOverride(idleTimeoutOverride, DefaultIdleTimeout)
}

// BrokerAddr returns the MQTT broker address from broker.text.
// Format: "host:port" e.g., "192.168.1.100:1883". ok is false when MQTT is disabled.
func BrokerAddr() (addr netip.AddrPort, ok bool, err error) {
	return addrOverride(brokerAddr)
}

// TelemetryCollectorAddr returns the OTLP/HTTP collector address from telemetry_collector.text.
// Format: "host:port" e.g., "192.168.1.100:4318". ok is false when telemetry is disabled.
func TelemetryCollectorAddr() (addr netip.AddrPort, ok bool, err error) {
	return addrOverride(telemetryCollector)
}

func durationOverride(raw string, def time.Duration) time.Duration {
	if override := strings.TrimSpace(raw); override != "" {
		if d, err := time.ParseDuration(override); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func percentOverride(raw string, def int) int {
	override := strings.TrimSpace(raw)
	if override == "" {
		return def
	}
	p, err := strconv.Atoi(override)
	if err != nil {
		return def
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func addrOverride(raw string) (netip.AddrPort, bool, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return netip.AddrPort{}, false, nil
	}
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, false, err
	}
	return ap, true, nil
}
