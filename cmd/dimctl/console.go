package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"openenterprise/imacdimmer/console"
)

const (
	consolePort    = "23"
	consolePrompt  = "> "
	dialTimeout    = 10 * time.Second
	readTimeout    = 5 * time.Second
	readTick       = 500 * time.Millisecond
	passwordEnvVar = "DIMMER_CONSOLE_PASSWORD"
)

var (
	errAuthFailed = errors.New("authentication failed")
	errNoPassword = errors.New("no console password: use -password, " + passwordEnvVar + " or password_file")
)

// consoleSession is a logged-in connection to the device's telnet shell.
// Telnet negotiation from the device is filtered out of everything read.
type consoleSession struct {
	conn   net.Conn
	telnet console.TelnetFilter
	buf    [256]byte
}

// dialConsole connects, sends the password and waits for the first prompt.
func dialConsole(addr, password string) (*consoleSession, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	s := &consoleSession{conn: conn}
	if err := s.login(password); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *consoleSession) login(password string) error {
	// The negotiation bytes and the prompt may arrive in separate segments.
	prompt, err := s.readUntil(func(text string) bool {
		return strings.Contains(strings.ToLower(text), "password")
	})
	if err != nil {
		if prompt != "" {
			return fmt.Errorf("unexpected prompt: %q", prompt)
		}
		return fmt.Errorf("read prompt failed: %w", err)
	}
	if _, err := io.WriteString(s.conn, password+"\r\n"); err != nil {
		return fmt.Errorf("send password failed: %w", err)
	}

	welcome, err := s.readUntil(func(text string) bool {
		return strings.HasSuffix(text, consolePrompt)
	})
	switch {
	case strings.Contains(welcome, "Authentication failed"):
		return errAuthFailed
	case err != nil:
		return fmt.Errorf("no prompt after login: %q", strings.TrimSpace(welcome))
	}
	return nil
}

// readUntil collects filtered text until done reports true, the connection
// closes or readTimeout passes without it.
func (s *consoleSession) readUntil(done func(string) bool) (string, error) {
	var text []byte
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		s.conn.SetReadDeadline(time.Now().Add(readTick))
		n, err := s.conn.Read(s.buf[:])
		if n > 0 {
			text = s.telnet.Strip(text, s.buf[:n])
			if done(string(text)) {
				return string(text), nil
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return string(text), err
		}
	}
	return string(text), os.ErrDeadlineExceeded
}

// Command sends one line and returns the output up to the next prompt.
func (s *consoleSession) Command(cmd string) (string, error) {
	if _, err := io.WriteString(s.conn, cmd+"\r\n"); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	out, err := s.readUntil(func(text string) bool {
		return strings.HasSuffix(text, consolePrompt)
	})
	if err != nil && out == "" {
		return "", fmt.Errorf("read failed: %w", err)
	}
	return strings.TrimSpace(strings.TrimSuffix(out, consolePrompt)), nil
}

// Close says goodbye to the shell and drops the connection.
func (s *consoleSession) Close() error {
	io.WriteString(s.conn, "quit\r\n")
	return s.conn.Close()
}

// runConsole executes a single command over the console and prints the
// response.
func runConsole(addr, cmd, password string, out io.Writer) error {
	s, err := dialConsole(addr, password)
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.Command(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, resp)
	return nil
}

// interactive relays lines from in to the console until EOF or quit.
func interactive(addr, password string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Connecting to %s...\n", addr)
	s, err := dialConsole(addr, password)
	if err != nil {
		return err
	}
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	fmt.Fprintln(out, "Connected! Type 'quit' or Ctrl+C to exit.")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, consolePrompt)
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "quit", "exit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		resp, err := s.Command(input)
		if err != nil {
			fmt.Fprintln(out, "Connection lost, reconnecting...")
			s.conn.Close()
			if s, err = dialConsole(addr, password); err != nil {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			continue
		}
		if resp != "" {
			fmt.Fprintln(out, resp)
		}
	}
}

// consolePassword resolves the console password from the -password flag,
// the environment, the config's password_file and finally a terminal
// prompt, in that order.
func consolePassword(flagValue string, cfg *Config, prompt func() ([]byte, error)) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(passwordEnvVar); env != "" {
		return env, nil
	}
	if cfg.PasswordFile != "" {
		data, err := os.ReadFile(expandHome(cfg.PasswordFile))
		if err != nil {
			return "", fmt.Errorf("password file: %w", err)
		}
		if pw := strings.TrimSpace(string(data)); pw != "" {
			return pw, nil
		}
	}
	if prompt != nil {
		pw, err := prompt()
		if err != nil {
			return "", err
		}
		if len(pw) > 0 {
			return string(pw), nil
		}
	}
	return "", errNoPassword
}

// terminalPrompt asks for the password without echo, or returns nil when
// stdin is not a terminal.
func terminalPrompt() func() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func() ([]byte, error) {
		fmt.Fprint(os.Stderr, "Console password: ")
		defer fmt.Fprintln(os.Stderr)
		return term.ReadPassword(fd)
	}
}
