// Package command interprets text command lines shared by the serial port,
// the telnet console, MQTT and the HTTP /serial endpoint.
package command

import (
	"openenterprise/imacdimmer/dimmer"
)

// Kind is the parsed command variant.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPing
	KindVersion
	KindGet
	KindSetBrightness
)

// String returns the command kind name
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindVersion:
		return "version"
	case KindGet:
		return "get"
	case KindSetBrightness:
		return "set-brightness"
	default:
		return "unknown"
	}
}

// Keywords, matched case-sensitively against the whole line.
const (
	keywordPing    = "ping"
	keywordVersion = "version"
	keywordGet     = "get"
)

// Command is one parsed line. Percent is only meaningful for
// KindSetBrightness and is already clamped to 0..100; Raw keeps the
// original text for echoing unknown input.
type Command struct {
	Kind    Kind
	Percent int
	Raw     string
}

// Interpret parses a completed line. It has no side effects. ok is false for
// an empty line, which is not a command at all.
func Interpret(line string) (cmd Command, ok bool) {
	if line == "" {
		return Command{}, false
	}
	cmd.Raw = line

	switch {
	case line == keywordVersion:
		cmd.Kind = KindVersion
	case line == keywordPing:
		cmd.Kind = KindPing
	case line == keywordGet:
		cmd.Kind = KindGet
	case line[0] >= '0' && line[0] <= '9':
		cmd.Kind = KindSetBrightness
		cmd.Percent = dimmer.ClampPercent(ParseLeadingInt(line))
	default:
		cmd.Kind = KindUnknown
	}
	return cmd, true
}

// maxParsed caps ParseLeadingInt so long digit runs cannot overflow.
const maxParsed = 1 << 24

// ParseLeadingInt parses the greedy run of decimal digits at the start of s,
// after optional leading spaces and one optional sign, and ignores the rest.
// Input without leading digits parses to 0. Results saturate at ±2^24, which
// is far outside every range this firmware clamps to.
func ParseLeadingInt(s string) int {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}

	neg := false
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}

	n := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		if n < maxParsed {
			n = n*10 + int(s[i]-'0')
		}
	}
	if n > maxParsed {
		n = maxParsed
	}
	if neg {
		return -n
	}
	return n
}

// HasLeadingDigits reports whether ParseLeadingInt would find any digits.
// Callers use it to flag parameters that silently parsed to 0.
func HasLeadingDigits(s string) bool {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	return i < len(s) && s[i] >= '0' && s[i] <= '9'
}
