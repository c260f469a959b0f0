package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the WiFi network name from ssid.text.
// The .text files ship empty; fill them in locally and never commit real values.
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the WiFi passphrase from password.text.
func Password() string {
	return strings.TrimSpace(pass)
}

// ConsolePassword returns the telnet console password from console_password.text.
// An empty password disables the network console entirely.
func ConsolePassword() string {
	return strings.TrimSpace(consolePass)
}
