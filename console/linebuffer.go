// Package console turns raw byte streams (USB serial, telnet) into command
// lines and guards the network console with a password and lockout.
package console

import (
	"strings"
	"time"
)

// LineBuffer accumulates printable ASCII into a single command line.
//
// A line ends at '\r' or '\n'. Appending past the maximum length discards the
// whole line: the rest of it is dropped up to the next terminator. A partial
// line that sees no input for the idle timeout is dropped, either by CheckIdle
// or by the next Feed, so stale fragments are never completed later.
type LineBuffer struct {
	buf          []byte
	max          int
	idle         time.Duration
	lastActivity time.Time
	telnet       TelnetFilter
	overflowed   bool
	overflows    int
	idleResets   int

	// SkipTelnetIAC drops telnet command sequences.
	SkipTelnetIAC bool
}

// NewLineBuffer returns a buffer holding at most max characters and clearing
// itself after idle without input. A zero idle disables the timeout.
func NewLineBuffer(max int, idle time.Duration) *LineBuffer {
	if max <= 0 {
		max = 1
	}
	return &LineBuffer{buf: make([]byte, 0, max), max: max, idle: idle}
}

// Feed accepts one input byte. When b terminates a non-empty line, the
// trimmed line is returned with ok set.
func (lb *LineBuffer) Feed(b byte, now time.Time) (line string, ok bool) {
	if lb.SkipTelnetIAC && lb.telnet.Skip(b) {
		return "", false
	}
	lb.CheckIdle(now)

	switch {
	case b == '\n' || b == '\r':
		lb.lastActivity = now
		if lb.overflowed {
			lb.overflowed = false
			return "", false
		}
		line = strings.TrimSpace(string(lb.buf))
		lb.buf = lb.buf[:0]
		return line, line != ""

	case b >= 32 && b < 127:
		lb.lastActivity = now
		if lb.overflowed {
			return "", false
		}
		if len(lb.buf) >= lb.max {
			lb.buf = lb.buf[:0]
			lb.overflowed = true
			lb.overflows++
			return "", false
		}
		lb.buf = append(lb.buf, b)
	}
	// Anything else is silently dropped.
	return "", false
}

// CheckIdle clears a partial or overflowed line that has been idle longer
// than the timeout. Returns true when something was discarded.
func (lb *LineBuffer) CheckIdle(now time.Time) bool {
	if lb.idle <= 0 || (len(lb.buf) == 0 && !lb.overflowed) {
		return false
	}
	if now.Sub(lb.lastActivity) <= lb.idle {
		return false
	}
	lb.buf = lb.buf[:0]
	lb.overflowed = false
	lb.idleResets++
	return true
}

// Reset drops any buffered input.
func (lb *LineBuffer) Reset() {
	lb.buf = lb.buf[:0]
	lb.telnet.Reset()
	lb.overflowed = false
}

// Discarding reports whether the buffer is dropping the rest of an overlong
// line.
func (lb *LineBuffer) Discarding() bool {
	return lb.overflowed
}

// Len returns the number of buffered characters.
func (lb *LineBuffer) Len() int {
	return len(lb.buf)
}

// Pending returns the buffered partial line.
func (lb *LineBuffer) Pending() string {
	return string(lb.buf)
}

// Overflows returns how many times the buffer was discarded for length.
func (lb *LineBuffer) Overflows() int {
	return lb.overflows
}

// IdleResets returns how many partial lines were dropped for inactivity.
func (lb *LineBuffer) IdleResets() int {
	return lb.idleResets
}
