// Package jsonw is a small allocation-free JSON writer over a fixed buffer.
// It is used for the HTTP status endpoints and the OTLP telemetry payloads.
package jsonw

// Writer appends JSON tokens into a caller-owned buffer. Writes past the end of
// the buffer are dropped and reported by Overflowed.
type Writer struct {
	buf      []byte
	pos      int
	overflow bool
	// comma[d] is set once the container at depth d has an element.
	// Payloads nest at most a few levels; deeper containers share the last slot.
	comma [8]bool
	depth int
}

// New returns a Writer over buf.
func New(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Reset rewinds the writer to an empty buffer.
func (w *Writer) Reset() {
	w.pos = 0
	w.overflow = false
	w.depth = 0
	w.comma = [8]bool{}
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.pos
}

// Bytes returns the written bytes. The slice aliases the buffer.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.pos]
}

// Overflowed reports whether any write was truncated.
func (w *Writer) Overflowed() bool {
	return w.overflow
}

// Raw writes s verbatim.
func (w *Writer) Raw(s string) {
	if w.pos+len(s) > len(w.buf) {
		w.overflow = true
		return
	}
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
}

// Byte writes a single byte.
func (w *Writer) Byte(b byte) {
	if w.pos >= len(w.buf) {
		w.overflow = true
		return
	}
	w.buf[w.pos] = b
	w.pos++
}

// String writes s as a quoted JSON string. Non-printable bytes other than
// the common escapes are skipped.
func (w *Writer) String(s string) {
	w.Byte('"')
	for i := 0; i < len(s); i++ {
		w.escaped(s[i])
	}
	w.Byte('"')
}

// StringBytes writes b as a quoted JSON string.
func (w *Writer) StringBytes(b []byte) {
	w.Byte('"')
	for _, c := range b {
		w.escaped(c)
	}
	w.Byte('"')
}

func (w *Writer) escaped(c byte) {
	switch c {
	case '"':
		w.Raw(`\"`)
	case '\\':
		w.Raw(`\\`)
	case '\n':
		w.Raw(`\n`)
	case '\r':
		w.Raw(`\r`)
	case '\t':
		w.Raw(`\t`)
	default:
		if c >= 32 && c < 127 {
			w.Byte(c)
		}
	}
}

// Int writes n as a bare JSON number.
func (w *Writer) Int(n int64) {
	if n < 0 {
		w.Byte('-')
		w.uint(uint64(-n))
		return
	}
	w.uint(uint64(n))
}

// Uint writes n as a bare JSON number.
func (w *Writer) Uint(n uint64) {
	w.uint(n)
}

// Int64String writes n as a quoted decimal, as OTLP does for 64-bit values.
func (w *Writer) Int64String(n int64) {
	w.Byte('"')
	w.Int(n)
	w.Byte('"')
}

func (w *Writer) uint(n uint64) {
	if n == 0 {
		w.Byte('0')
		return
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	for ; i < len(digits); i++ {
		w.Byte(digits[i])
	}
}

// Bool writes true or false.
func (w *Writer) Bool(b bool) {
	if b {
		w.Raw("true")
	} else {
		w.Raw("false")
	}
}

// Hex writes b as a quoted lowercase hex string.
func (w *Writer) Hex(b []byte) {
	const hexDigits = "0123456789abcdef"
	w.Byte('"')
	for _, v := range b {
		w.Byte(hexDigits[v>>4])
		w.Byte(hexDigits[v&0xf])
	}
	w.Byte('"')
}

// BeginObject opens an object.
func (w *Writer) BeginObject() {
	w.Byte('{')
	w.push()
}

// EndObject closes the innermost object.
func (w *Writer) EndObject() {
	w.pop()
	w.Byte('}')
}

// BeginArray opens an array. Elements are separated with Sep.
func (w *Writer) BeginArray() {
	w.Byte('[')
	w.push()
}

// EndArray closes the innermost array.
func (w *Writer) EndArray() {
	w.pop()
	w.Byte(']')
}

// Sep writes a comma unless this is the first element of the current
// object or array.
func (w *Writer) Sep() {
	if w.depth == 0 {
		return
	}
	d := min(w.depth, len(w.comma)) - 1
	if w.comma[d] {
		w.Byte(',')
	}
	w.comma[d] = true
}

// Key writes a member name, preceded by a separator when needed.
func (w *Writer) Key(name string) {
	w.Sep()
	w.String(name)
	w.Byte(':')
}

func (w *Writer) push() {
	w.depth++
	w.comma[min(w.depth, len(w.comma))-1] = false
}

func (w *Writer) pop() {
	if w.depth > 0 {
		w.depth--
	}
}

// KeyString writes "name":"value".
func (w *Writer) KeyString(name, value string) {
	w.Key(name)
	w.String(value)
}

// KeyInt writes "name":n.
func (w *Writer) KeyInt(name string, n int64) {
	w.Key(name)
	w.Int(n)
}

// KeyBool writes "name":b.
func (w *Writer) KeyBool(name string, b bool) {
	w.Key(name)
	w.Bool(b)
}
