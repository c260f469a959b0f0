//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"time"

	"openenterprise/imacdimmer/config"
	"openenterprise/imacdimmer/credentials"
	"openenterprise/imacdimmer/mqttbridge"
	"openenterprise/imacdimmer/netlink"
	"openenterprise/imacdimmer/telemetry"
	"openenterprise/imacdimmer/version"
)

const loopSleep = 2 * time.Millisecond

// When false, the watchdog is starved and resets the device.
var systemHealthy = true

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	// Wait for watchdog timeout (8s timeout + margin)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	machine.CPUReset()
	for {
		time.Sleep(time.Second)
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  iMac Dimmer")
	println("  Version:", version.Firmware())
	println("  Git SHA:", version.SHA())
	println("  Built:  ", version.Date())
	println("========================================")

	exporter := telemetry.NewExporter(nil, telemetry.Resource{
		ServiceName:    "imacdimmer",
		ServiceVersion: version.Firmware(),
		InstanceID:     version.SHA(),
		HostName:       config.Hostname(),
	}, nil)

	// Application logger (debug level for our code), mirrored into telemetry
	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, exporter, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	// The cywnet library logs "packet dropped" at ERROR level which is normal for WiFi
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	// Configure watchdog for reliability (8 second timeout)
	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	act, err := newPWMActuator()
	if err != nil {
		logger.Error("pwm:configure-failed", slog.String("err", err.Error()))
		fatalError("PWM setup failed - waiting for reset...")
	}

	link := newWifiLink(netLogger, logger)

	var dialer mqttbridge.Dialer
	brokerAddr, mqttEnabled, err := config.BrokerAddr()
	if err != nil {
		logger.Error("config:broker-invalid", slog.String("err", err.Error()))
	} else if mqttEnabled {
		logger.Info("config:broker", slog.String("addr", brokerAddr.String()))
		dialer = newBrokerDialer(link, brokerAddr, logger)
	}

	a, err := newApp(appConfig{
		Serial:          machine.Serial,
		Actuator:        act,
		LEDPin:          newStatusPin(),
		Link:            link,
		Exporter:        exporter,
		MQTTDialer:      dialer,
		MQTTClientID:    mqttClientID(config.Hostname()),
		ConsolePassword: []byte(credentials.ConsolePassword()),
		Sleep:           time.Sleep,
		OnAttempt:       feedWatchdogIfHealthy,
		Logger:          logger,
	}, time.Now())
	if err != nil {
		logger.Error("init:failed", slog.String("err", err.Error()))
		fatalError("Init failed - waiting for reset...")
	}

	// Initial association. A failure leaves the serial path running; the link
	// task retries on its own schedule.
	if err := a.link.Connect(); err != nil {
		logger.Warn("wifi:offline", slog.String("err", err.Error()))
	}

	var services *netServices
	for {
		feedWatchdogIfHealthy()
		now := time.Now()
		a.poll(now)

		if services == nil && link.Status() == netlink.StatusConnected {
			services = startNetServices(a, link, exporter, logger)
		}
		if services != nil {
			services.poll(now)
		}
		time.Sleep(loopSleep)
	}
}
