package console

// Telnet command bytes.
const (
	telnetIAC  = 0xFF
	telnetWill = 0xFB
	telnetDont = 0xFE
)

// TelnetFilter removes telnet command sequences (IAC, command and, for
// WILL/WONT/DO/DONT, an option byte) from a byte stream. State carries
// across calls, so a sequence split between reads is still removed. An
// escaped IAC IAC yields nothing, since 0xFF is never valid console text.
//
// The zero value is ready to use.
type TelnetFilter struct {
	state uint8
}

const (
	telnetData uint8 = iota
	telnetCommand
	telnetOption
)

// Skip reports whether b is part of a command sequence.
func (f *TelnetFilter) Skip(b byte) bool {
	switch f.state {
	case telnetCommand:
		f.state = telnetData
		if b >= telnetWill && b <= telnetDont {
			f.state = telnetOption
		}
		return true
	case telnetOption:
		f.state = telnetData
		return true
	}
	if b == telnetIAC {
		f.state = telnetCommand
		return true
	}
	return false
}

// Strip appends the bytes of src that are not part of a command sequence to
// dst and returns the extended slice.
func (f *TelnetFilter) Strip(dst, src []byte) []byte {
	for _, b := range src {
		if !f.Skip(b) {
			dst = append(dst, b)
		}
	}
	return dst
}

// Reset forgets a partially received sequence.
func (f *TelnetFilter) Reset() {
	f.state = telnetData
}
