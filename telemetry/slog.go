package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strconv"
)

// SlogHandler writes records as text and mirrors INFO and above into an
// Exporter's log queue.
type SlogHandler struct {
	text  slog.Handler
	exp   *Exporter
	group string
}

// NewSlogHandler returns a handler writing to w (the serial console on the
// device) and queueing to exp. exp may be nil for text-only logging.
func NewSlogHandler(w io.Writer, exp *Exporter, opts *slog.HandlerOptions) *SlogHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &SlogHandler{text: slog.NewTextHandler(w, opts), exp: exp}
}

// Enabled reports whether the text handler accepts level.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

// Handle writes the record and queues a compact copy for export.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.text.Handle(ctx, r)
	if h.exp != nil && r.Level >= slog.LevelInfo {
		var buf [maxBodyLen]byte
		h.exp.Log(severityOf(r.Level), string(compactRecord(buf[:0], h.group, r)))
	}
	return err
}

// WithAttrs returns a handler with attrs added to the text output.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{text: h.text.WithAttrs(attrs), exp: h.exp, group: h.group}
}

// WithGroup returns a handler whose queued records are prefixed with name.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{text: h.text.WithGroup(name), exp: h.exp, group: group}
}

func severityOf(level slog.Level) uint8 {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarn
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// maxQueuedAttrs caps how many attributes are copied into a queued record.
const maxQueuedAttrs = 4

// compactRecord renders "group:msg k=v k=v" into dst, never growing it past
// its capacity.
func compactRecord(dst []byte, group string, r slog.Record) []byte {
	limit := cap(dst)
	add := func(s string) {
		n := min(len(s), limit-len(dst))
		dst = append(dst, s[:n]...)
	}

	if group != "" {
		add(group)
		add(":")
	}
	add(r.Message)

	count := 0
	r.Attrs(func(a slog.Attr) bool {
		if count >= maxQueuedAttrs || len(dst) >= limit-8 {
			return false
		}
		add(" ")
		add(a.Key)
		add("=")
		add(compactValue(a.Value))
		count++
		return true
	})
	return dst
}

func compactValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindFloat64:
		return strconv.FormatInt(int64(v.Float64()), 10)
	default:
		return "?"
	}
}
