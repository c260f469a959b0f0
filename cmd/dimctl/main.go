// Command dimctl controls the iMac dimmer from a workstation, over HTTP or
// the USB serial port, and opens its telnet console.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"openenterprise/imacdimmer/config"
)

const (
	minPercent  = 5
	maxPercent  = 100
	defaultStep = 10
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "iMac Dimmer CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  dimctl [-host <addr> | -serial <port|auto>] <command> [arg]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  set <0-100>     Set brightness percentage")
	fmt.Fprintln(w, "  get             Show current brightness")
	fmt.Fprintln(w, "  inc [n]         Increase brightness by n (default 10, max 100)")
	fmt.Fprintln(w, "  dec [n]         Decrease brightness by n (default 10, min 5)")
	fmt.Fprintln(w, "  level <0-255>   Set raw duty level (HTTP only)")
	fmt.Fprintln(w, "  ping            Check the device answers")
	fmt.Fprintln(w, "  version         Show firmware version")
	fmt.Fprintln(w, "  status          Show WiFi and brightness status (HTTP only)")
	fmt.Fprintln(w, "  discover        Find dimmers with mDNS")
	fmt.Fprintln(w, "  console [cmd]   Open the telnet console, or run one command")
	fmt.Fprintln(w, "  auto [flags]    Dim the display while the workstation is idle")
	fmt.Fprintln(w, "                  -minutes m  -level n  -interval s  -test  -status  -save")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Console password can be provided via:")
	fmt.Fprintln(w, "  -password flag")
	fmt.Fprintln(w, "  "+passwordEnvVar+" environment variable")
	fmt.Fprintln(w, "  password_file in the config file")
	fmt.Fprintln(w, "  Interactive prompt")
}

// cli carries the state of one invocation.
type cli struct {
	out     io.Writer
	cfg     *Config
	cfgPath string
	host    string
	serial  string
	tr      transport
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dimctl", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { printUsage(out) }
	host := fs.String("host", "", "Device address (default: remembered or discovered)")
	serialPort := fs.String("serial", "", "Use the USB serial port instead of HTTP (\"auto\" to detect)")
	password := fs.String("password", "", "Console password (or use "+passwordEnvVar+")")
	cfgFile := fs.String("config", "", "Config file (default ~/.config/imacdimmer/dimctl.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		printUsage(out)
		return errors.New("missing command")
	}

	path := *cfgFile
	if path == "" {
		var err error
		if path, err = configPath(); err != nil {
			return err
		}
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	c := &cli{out: out, cfg: cfg, cfgPath: path, host: *host, serial: *serialPort}
	defer c.close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "set":
		v, err := intArg(rest, -1)
		if err != nil {
			return err
		}
		if v < 0 || v > maxPercent {
			return fmt.Errorf("brightness must be 0-%d, got %d", maxPercent, v)
		}
		return c.set(v)
	case "get":
		return c.get()
	case "inc", "dec":
		step, err := intArg(rest, defaultStep)
		if err != nil {
			return err
		}
		return c.step(cmd == "inc", step)
	case "level":
		v, err := intArg(rest, -1)
		if err != nil {
			return err
		}
		return c.level(v)
	case "ping":
		return c.simple("ping", "Ping response: ")
	case "version":
		return c.version()
	case "status":
		return c.status()
	case "discover":
		return c.discover()
	case "auto":
		return c.auto(rest, firstIdle{xprintidle{}, screensaver{}})
	case "console":
		pw, err := consolePassword(*password, cfg, terminalPrompt())
		if err != nil {
			return err
		}
		return c.console(strings.Join(rest, " "), pw)
	default:
		printUsage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func intArg(rest []string, def int) (int, error) {
	if len(rest) == 0 {
		if def < 0 {
			return 0, errors.New("missing value")
		}
		return def, nil
	}
	v, err := strconv.Atoi(rest[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", rest[0])
	}
	return v, nil
}

func (c *cli) close() {
	if c.tr != nil {
		c.tr.Close()
	}
}

func (c *cli) save() {
	if err := saveConfig(c.cfgPath, c.cfg); err != nil {
		fmt.Fprintf(c.out, "Warning: could not save config: %v\n", err)
	}
}

// transport opens the serial port when -serial was given, otherwise the
// HTTP transport for the resolved host.
func (c *cli) transport() (transport, error) {
	if c.tr != nil {
		return c.tr, nil
	}
	if c.serial != "" {
		name := c.serial
		if name == "auto" {
			name = c.cfg.SerialPort
			if _, err := os.Stat(name); name == "" || err != nil {
				found, err := findSerialPort()
				if err != nil {
					return nil, err
				}
				name = found
			}
		}
		st, err := openSerial(name)
		if err != nil {
			return nil, err
		}
		if c.cfg.SerialPort != name {
			c.cfg.SerialPort = name
			c.save()
		}
		c.tr = st
		return st, nil
	}
	ht, err := c.resolveHTTP()
	if err != nil {
		return nil, err
	}
	c.tr = ht
	return ht, nil
}

// resolveHTTP picks the device address: the -host flag as given, otherwise
// the mDNS name, the remembered address and finally a discovery query.
func (c *cli) resolveHTTP() (*httpTransport, error) {
	if c.host != "" {
		if c.cfg.Host != c.host {
			c.cfg.Host = c.host
			c.save()
		}
		return newHTTPTransport(c.host), nil
	}

	candidates := []string{config.Hostname() + ".local"}
	if c.cfg.Host != "" && c.cfg.Host != candidates[0] {
		candidates = append(candidates, c.cfg.Host)
	}
	for _, h := range candidates {
		t := newHTTPTransport(h)
		if t.reachable() {
			c.remember(h)
			return t, nil
		}
		t.Close()
	}

	fmt.Fprintln(c.out, "Dimmer not found at known addresses, trying discovery...")
	services, err := discover(config.Hostname(), discoverTimeout)
	if err != nil {
		return nil, err
	}
	h, ok := discoveredHost(services)
	if !ok {
		return nil, errors.New("could not find the dimmer; pass -host")
	}
	t := newHTTPTransport(h)
	if !t.reachable() {
		return nil, fmt.Errorf("discovered %s but it did not answer", h)
	}
	c.remember(h)
	return t, nil
}

func (c *cli) remember(host string) {
	c.host = host
	if c.cfg.Host != host {
		c.cfg.Host = host
		c.save()
	}
}

func (c *cli) httpOnly(what string) (*httpTransport, error) {
	tr, err := c.transport()
	if err != nil {
		return nil, err
	}
	ht, ok := tr.(*httpTransport)
	if !ok {
		return nil, fmt.Errorf("%s needs the HTTP transport", what)
	}
	return ht, nil
}

func (c *cli) set(v int) error {
	resp, err := c.apply(v)
	if err != nil {
		return err
	}
	c.cfg.LastBrightness = v
	c.save()
	fmt.Fprintln(c.out, resp)
	return nil
}

// apply sets the brightness without remembering it.
func (c *cli) apply(v int) (string, error) {
	tr, err := c.transport()
	if err != nil {
		return "", err
	}
	resp, err := tr.Command(strconv.Itoa(v))
	if err != nil {
		return "", fmt.Errorf("set brightness: %w", err)
	}
	if !strings.Contains(resp, "Brightness set to") {
		return "", fmt.Errorf("unexpected reply: %s", resp)
	}
	return resp, nil
}

func (c *cli) get() error {
	v, resp, err := c.current()
	if err != nil {
		fmt.Fprintf(c.out, "Current brightness: %d%% (cached)\n", c.cfg.LastBrightness)
		return nil
	}
	if v != c.cfg.LastBrightness {
		c.cfg.LastBrightness = v
		c.save()
	}
	fmt.Fprintln(c.out, resp)
	return nil
}

// current asks the device for its brightness.
func (c *cli) current() (int, string, error) {
	tr, err := c.transport()
	if err != nil {
		return 0, "", err
	}
	resp, err := tr.Command("get")
	if err != nil {
		return 0, "", err
	}
	v, ok := parsePercent(resp)
	if !ok {
		return 0, resp, fmt.Errorf("unexpected reply: %s", resp)
	}
	return v, resp, nil
}

// parsePercent reads the value out of "Brightness: 70%".
func parsePercent(resp string) (int, bool) {
	_, rest, ok := strings.Cut(resp, "Brightness: ")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "%")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(num))
	return v, err == nil
}

func (c *cli) step(up bool, n int) error {
	cur, _, err := c.current()
	if err != nil {
		cur = c.cfg.LastBrightness
	}
	next := stepPercent(cur, n, up)
	fmt.Fprintf(c.out, "Current brightness: %d%%\n", cur)
	fmt.Fprintf(c.out, "Setting brightness to: %d%%\n", next)
	return c.set(next)
}

// stepPercent moves cur by n, staying within minPercent..maxPercent.
func stepPercent(cur, n int, up bool) int {
	if up {
		return min(cur+n, maxPercent)
	}
	return max(cur-n, minPercent)
}

func (c *cli) level(v int) error {
	if v < 0 || v > 255 {
		return fmt.Errorf("level must be 0-255, got %d", v)
	}
	ht, err := c.httpOnly("level")
	if err != nil {
		return err
	}
	resp, err := ht.SetLevel(v)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, resp)
	return nil
}

func (c *cli) simple(cmd, prefix string) error {
	tr, err := c.transport()
	if err != nil {
		return err
	}
	resp, err := tr.Command(cmd)
	if err != nil {
		return fmt.Errorf("device did not respond: %w", err)
	}
	fmt.Fprintln(c.out, prefix+resp)
	return nil
}

func (c *cli) version() error {
	tr, err := c.transport()
	if err != nil {
		return err
	}
	if ht, ok := tr.(*httpTransport); ok {
		resp, err := ht.Version()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, resp)
		return nil
	}
	return c.simple("version", "")
}

func (c *cli) status() error {
	ht, err := c.httpOnly("status")
	if err != nil {
		return err
	}
	resp, err := ht.Status()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, resp)
	return nil
}

func (c *cli) discover() error {
	services, err := discover("", discoverTimeout)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Fprintln(c.out, "No dimmers found")
		return nil
	}
	for _, svc := range services {
		fmt.Fprintf(c.out, "%s\t%s\tport %d\t%s\n", svc.Host, svc.Addr, svc.Port, svc.TXT["version"])
	}
	if h, ok := discoveredHost(services); ok {
		c.remember(h)
	}
	return nil
}

func (c *cli) console(cmd, password string) error {
	host := c.host
	if host == "" {
		ht, err := c.resolveHTTP()
		if err != nil {
			return err
		}
		ht.Close()
		host = c.host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr := net.JoinHostPort(host, consolePort)
	if cmd != "" {
		return runConsole(addr, cmd, password, c.out)
	}
	return interactive(addr, password, os.Stdin, c.out)
}
