package console

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// Telnet protocol bytes for echo control
var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01} // IAC WILL ECHO - server handles echo (client stops)
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01} // IAC WONT ECHO - server stops echo (client resumes)
)

const (
	// AuthTimeout is how long a new session has to send the password.
	AuthTimeout = 10 * time.Second
	prompt      = "> "
	passwordMax = 64
)

// CmdFunc runs a console command. args is the line after the command name.
type CmdFunc func(w io.Writer, args string)

// Fallback handles lines that are not registered commands. ok is false when
// the line was not understood either.
type Fallback func(line string) (reply string, ok bool)

type shellCmd struct {
	name string
	help string
	run  CmdFunc
}

// Shell is a password-protected line console. It is driven by the caller:
// Open when a client connects, Feed with every chunk read, Tick from the poll
// loop. Shell never blocks and never touches the transport directly.
type Shell struct {
	password []byte
	lockout  *Lockout
	logger   *slog.Logger
	banner   string

	cmds     []shellCmd
	fallback Fallback

	lines     *LineBuffer
	pass      [passwordMax]byte
	passLen   int
	telnet    TelnetFilter
	opened    time.Time
	open      bool
	authed    bool
	closeWant bool
	sessions  int
}

// NewShell returns a Shell checking logins against password. lockout is
// shared across sessions.
func NewShell(password []byte, lockout *Lockout, banner string, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if lockout == nil {
		lockout = &Lockout{}
	}
	lb := NewLineBuffer(passwordMax, 0)
	lb.SkipTelnetIAC = true
	s := &Shell{
		password: password,
		lockout:  lockout,
		logger:   logger,
		banner:   banner,
		lines:    lb,
	}
	s.Handle("help", "list commands", s.help)
	s.Handle("quit", "close the session", func(w io.Writer, _ string) {
		io.WriteString(w, "Bye\r\n")
		s.closeWant = true
	})
	return s
}

// Handle registers a command. Later registrations with the same name win.
func (s *Shell) Handle(name, help string, run CmdFunc) {
	for i := range s.cmds {
		if s.cmds[i].name == name {
			s.cmds[i] = shellCmd{name, help, run}
			return
		}
	}
	s.cmds = append(s.cmds, shellCmd{name, help, run})
}

// SetFallback sets the handler for unregistered lines.
func (s *Shell) SetFallback(fn Fallback) {
	s.fallback = fn
}

// Locked reports whether new sessions are refused at now.
func (s *Shell) Locked(now time.Time) bool {
	return s.lockout.Locked(now)
}

// Open starts a session and writes the password prompt.
func (s *Shell) Open(w io.Writer, now time.Time) {
	s.open = true
	s.authed = false
	s.closeWant = false
	s.passLen = 0
	s.telnet.Reset()
	s.opened = now
	s.lines.Reset()
	s.sessions++
	w.Write(telnetWillEcho)
	io.WriteString(w, "Password: ")
}

// Close ends the session without output.
func (s *Shell) Close() {
	if s.open {
		s.logger.Info("console:disconnected")
	}
	s.open = false
	s.authed = false
	s.passLen = 0
	s.lines.Reset()
}

// Active reports whether a session is open.
func (s *Shell) Active() bool { return s.open }

// Authenticated reports whether the open session passed the password check.
func (s *Shell) Authenticated() bool { return s.open && s.authed }

// WantsClose reports whether the session asked to be closed (quit, failed
// login, or auth timeout). The transport should close and then call Close.
func (s *Shell) WantsClose() bool { return s.closeWant }

// Sessions returns how many sessions have been opened.
func (s *Shell) Sessions() int { return s.sessions }

// Tick enforces the login timeout.
func (s *Shell) Tick(w io.Writer, now time.Time) {
	if !s.open || s.authed || s.closeWant {
		return
	}
	if now.Sub(s.opened) > AuthTimeout {
		s.failLogin(w, now, "timeout")
	}
}

// Feed processes received bytes.
func (s *Shell) Feed(data []byte, w io.Writer, now time.Time) {
	for _, b := range data {
		if !s.open || s.closeWant {
			return
		}
		if !s.authed {
			s.feedPassword(b, w, now)
			continue
		}
		if line, ok := s.lines.Feed(b, now); ok {
			s.run(line, w)
			if !s.closeWant {
				io.WriteString(w, prompt)
			}
		}
	}
}

func (s *Shell) feedPassword(b byte, w io.Writer, now time.Time) {
	if s.telnet.Skip(b) {
		return
	}
	if b == '\r' || b == '\n' {
		w.Write(telnetWontEcho)
		io.WriteString(w, "\r\n")
		if CheckPassword(s.pass[:s.passLen], s.password) {
			s.lockout.Reset()
			s.authed = true
			s.passLen = 0
			s.logger.Info("console:authenticated")
			io.WriteString(w, s.banner)
			io.WriteString(w, "\r\nType 'help' for commands\r\n"+prompt)
			return
		}
		s.failLogin(w, now, "bad-password")
		return
	}
	if b < 32 || b >= 127 {
		return
	}
	if s.passLen >= len(s.pass) {
		s.failLogin(w, now, "too-long")
		return
	}
	s.pass[s.passLen] = b
	s.passLen++
}

func (s *Shell) failLogin(w io.Writer, now time.Time, reason string) {
	s.lockout.RecordFailure(now)
	s.passLen = 0
	s.closeWant = true
	io.WriteString(w, "Authentication failed\r\n")
	s.logger.Warn("console:auth-failed",
		slog.String("reason", reason),
		slog.Int("failures", s.lockout.Failures()),
	)
}

func (s *Shell) run(line string, w io.Writer) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("console:panic-recovered", slog.String("line", line))
		}
	}()

	name, args, _ := strings.Cut(line, " ")
	for i := range s.cmds {
		if s.cmds[i].name == name {
			s.cmds[i].run(w, strings.TrimSpace(args))
			return
		}
	}
	if s.fallback != nil {
		if reply, ok := s.fallback(line); ok {
			io.WriteString(w, reply)
			io.WriteString(w, "\r\n")
			return
		}
	}
	io.WriteString(w, "Unknown command: "+line+"\r\n")
}

func (s *Shell) help(w io.Writer, _ string) {
	io.WriteString(w, "Commands:\r\n")
	for _, c := range s.cmds {
		io.WriteString(w, "  "+c.name)
		if c.help != "" {
			io.WriteString(w, strings.Repeat(" ", max(1, 12-len(c.name)))+c.help)
		}
		io.WriteString(w, "\r\n")
	}
	io.WriteString(w, "  <0-100>     set brightness percent\r\n")
}
