package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"openenterprise/imacdimmer/discovery"
)

const discoverTimeout = 3 * time.Second

// discover sends one mDNS service query and collects dimmer answers until
// timeout. The query goes out from an ephemeral port, so responders answer
// by unicast.
func discover(hostname string, timeout time.Duration) ([]discovery.Service, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}
	defer conn.Close()
	return discoverOn(conn, net.UDPAddrFromAddrPort(discovery.MulticastAddr), hostname, timeout)
}

func discoverOn(conn net.PacketConn, group net.Addr, hostname string, timeout time.Duration) ([]discovery.Service, error) {
	q, err := discovery.ServiceQuery()
	if err != nil {
		return nil, err
	}
	if _, err := conn.WriteTo(q, group); err != nil {
		return nil, fmt.Errorf("discovery: send: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	var found []discovery.Service
	seen := map[string]bool{}
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return found, nil
		}
		if err != nil {
			return found, fmt.Errorf("discovery: receive: %w", err)
		}
		svc, err := discovery.ParseAnswer(buf[:n], hostname)
		if err != nil {
			continue
		}
		key := svc.Addr.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		found = append(found, svc)
	}
}

// discoveredHost returns an HTTP address for the first discovered dimmer.
func discoveredHost(services []discovery.Service) (string, bool) {
	for _, svc := range services {
		if !svc.Addr.IsValid() {
			continue
		}
		port := svc.Port
		if port == 0 || port == 80 {
			return svc.Addr.String(), true
		}
		return net.JoinHostPort(svc.Addr.String(), fmt.Sprint(port)), true
	}
	return "", false
}
