// Package telemetry queues log records and metric points in fixed ring
// buffers and exports them as OTLP/HTTP JSON.
//
// Nothing allocates per record. Queues overwrite their oldest entry when
// full. Export happens only when the owner calls Flush, which the firmware
// does from a scheduler task. A Sender that implements Pump only starts the
// transfer in Post; PumpTask then advances it from a faster task.
package telemetry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// FlushInterval is how often the firmware exports queued telemetry.
	FlushInterval = 30 * time.Second
	// PumpInterval is how often an in-flight transfer is advanced.
	PumpInterval = 20 * time.Millisecond
)

// Log severity levels (OTLP standard)
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// OTLP/HTTP paths.
const (
	PathLogs    = "/v1/logs"
	PathMetrics = "/v1/metrics"
)

const (
	logQueueSize    = 16
	metricQueueSize = 16
	maxBodyLen      = 128
	maxNameLen      = 32
	payloadSize     = 7168
)

var (
	// ErrNoSender is returned by Flush when no collector is configured.
	ErrNoSender = errors.New("telemetry: no sender")
	// ErrPayloadTooLarge is returned when a batch does not fit the payload buffer.
	ErrPayloadTooLarge = errors.New("telemetry: payload too large")
	// ErrSenderBusy is returned by an asynchronous Sender while a previous
	// payload is still in flight.
	ErrSenderBusy = errors.New("telemetry: sender busy")
)

// Sender posts one JSON payload to the collector. Post may keep body only
// until it returns.
type Sender interface {
	Post(path string, body []byte) error
}

// Pump is implemented by Senders whose Post only starts a transfer. Pump
// advances it without blocking and reports done with the outcome once the
// transfer has ended. Busy reports whether a transfer is in flight.
type Pump interface {
	Pump(now time.Time) (done bool, err error)
	Busy() bool
}

// Resource identifies the device in every payload.
type Resource struct {
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	HostName       string
}

// LogEntry is a single queued log record.
type LogEntry struct {
	Timestamp int64
	Severity  uint8
	BodyLen   uint8
	Body      [maxBodyLen]byte
}

// Text returns the record body.
func (e *LogEntry) Text() string {
	return string(e.Body[:e.BodyLen])
}

// MetricPoint is a single queued metric data point.
type MetricPoint struct {
	Timestamp int64
	Value     int64
	NameLen   uint8
	Name      [maxNameLen]byte
	IsGauge   bool
}

// MetricName returns the point's metric name.
func (p *MetricPoint) MetricName() string {
	return string(p.Name[:p.NameLen])
}

// Stats is a snapshot of exporter state.
type Stats struct {
	Enabled       bool
	Paused        bool
	QueuedLogs    int
	QueuedMetrics int
	SentLogs      int
	SentMetrics   int
	SendErrors    int
	Overwritten   int
}

// Exporter owns the queues and the payload buffer.
type Exporter struct {
	mu       sync.Mutex
	sender   Sender
	resource Resource
	logger   *slog.Logger
	now      func() time.Time

	enabled bool
	paused  bool

	logs        [logQueueSize]LogEntry
	logHead     int
	logCount    int
	metrics     [metricQueueSize]MetricPoint
	metricHead  int
	metricCount int

	payload [payloadSize]byte
	stats   Stats

	// The batch handed to a Pump sender, counted once it completes.
	inflightPath  string
	inflightCount int
	// A flush found the sender busy and is repeated once it is idle.
	retryFlush bool
}

// NewExporter returns an Exporter. With a nil sender records are still
// queued (and visible through Logs and Metrics) but Flush fails.
func NewExporter(sender Sender, res Resource, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Exporter{
		sender:   sender,
		resource: res,
		logger:   logger,
		now:      time.Now,
		enabled:  true,
	}
}

// SetSender attaches the collector transport once the network is up.
func (e *Exporter) SetSender(s Sender) {
	e.mu.Lock()
	e.sender = s
	e.mu.Unlock()
}

// SetClock replaces the timestamp source.
func (e *Exporter) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Log queues a log record. msg is truncated to fit the entry.
func (e *Exporter) Log(severity uint8, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled || e.paused {
		return
	}

	idx := (e.logHead + e.logCount) % len(e.logs)
	if e.logCount == len(e.logs) {
		e.logHead = (e.logHead + 1) % len(e.logs)
		e.stats.Overwritten++
	} else {
		e.logCount++
	}

	entry := &e.logs[idx]
	entry.Timestamp = e.now().UnixNano()
	entry.Severity = severity
	entry.BodyLen = uint8(copy(entry.Body[:], msg))
}

// RecordGauge queues a point-in-time value.
func (e *Exporter) RecordGauge(name string, value int64) {
	e.record(name, value, true)
}

// RecordCounter queues a cumulative monotonic value.
func (e *Exporter) RecordCounter(name string, value int64) {
	e.record(name, value, false)
}

func (e *Exporter) record(name string, value int64, gauge bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled || e.paused {
		return
	}

	idx := (e.metricHead + e.metricCount) % len(e.metrics)
	if e.metricCount == len(e.metrics) {
		e.metricHead = (e.metricHead + 1) % len(e.metrics)
		e.stats.Overwritten++
	} else {
		e.metricCount++
	}

	p := &e.metrics[idx]
	p.Timestamp = e.now().UnixNano()
	p.Value = value
	p.IsGauge = gauge
	p.NameLen = uint8(copy(p.Name[:], name))
}

// Logs returns a copy of the queued log records, oldest first.
func (e *Exporter) Logs() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, e.logCount)
	for i := range out {
		out[i] = e.logs[(e.logHead+i)%len(e.logs)]
	}
	return out
}

// Metrics returns a copy of the queued metric points, oldest first.
func (e *Exporter) Metrics() []MetricPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MetricPoint, e.metricCount)
	for i := range out {
		out[i] = e.metrics[(e.metricHead+i)%len(e.metrics)]
	}
	return out
}

// Flush exports both queues. Queues are cleared before sending, so a failed
// post drops its batch rather than retrying it forever.
func (e *Exporter) Flush() error {
	e.mu.Lock()
	sender := e.sender
	e.mu.Unlock()
	if sender == nil {
		return ErrNoSender
	}
	errLogs := e.flushLogs(sender)
	errMetrics := e.flushMetrics(sender)
	return errors.Join(errLogs, errMetrics)
}

// FlushTask matches the scheduler task signature. Errors are counted in
// Stats and logged at debug level only.
func (e *Exporter) FlushTask(now time.Time) {
	if err := e.Flush(); err != nil && !errors.Is(err, ErrNoSender) {
		e.logger.Debug("telemetry:flush-failed", slog.String("err", err.Error()))
	}
}

// PumpTask advances an asynchronous transfer and runs a flush that was
// deferred while the sender was busy. It does nothing for plain Senders.
func (e *Exporter) PumpTask(now time.Time) {
	e.mu.Lock()
	p, ok := e.sender.(Pump)
	e.mu.Unlock()
	if !ok {
		return
	}
	if done, err := p.Pump(now); done {
		e.complete(err)
	}
	e.mu.Lock()
	retry := e.retryFlush && !p.Busy()
	e.retryFlush = e.retryFlush && !retry
	e.mu.Unlock()
	if retry {
		e.FlushTask(now)
	}
}

// complete accounts for the batch that was in flight.
func (e *Exporter) complete(err error) {
	e.mu.Lock()
	path := e.inflightPath
	if err != nil {
		e.stats.SendErrors++
	} else {
		e.countSentLocked(path, e.inflightCount)
	}
	e.inflightPath, e.inflightCount = "", 0
	e.mu.Unlock()

	// Logged unlocked: the logger may feed this exporter.
	if err != nil {
		e.logger.Debug("telemetry:post-failed", slog.String("path", path), slog.String("err", err.Error()))
	}
}

func (e *Exporter) countSentLocked(path string, count int) {
	switch path {
	case PathLogs:
		e.stats.SentLogs += count
	case PathMetrics:
		e.stats.SentMetrics += count
	}
}

// post hands one batch to sender. Sent counters move when the transfer is
// known to have succeeded: on return for plain Senders, on completion for
// a Pump.
func (e *Exporter) post(sender Sender, path string, body []byte, count int) error {
	if err := sender.Post(path, body); err != nil {
		e.mu.Lock()
		e.stats.SendErrors++
		e.mu.Unlock()
		return err
	}
	e.mu.Lock()
	if _, async := sender.(Pump); async {
		e.inflightPath, e.inflightCount = path, count
	} else {
		e.countSentLocked(path, count)
	}
	e.mu.Unlock()
	return nil
}

// senderBusyLocked reports whether sender still has a transfer in flight,
// and if so arranges for the flush to be repeated.
func (e *Exporter) senderBusyLocked(sender Sender) bool {
	p, ok := sender.(Pump)
	if !ok || !p.Busy() {
		return false
	}
	e.retryFlush = true
	return true
}

func (e *Exporter) flushLogs(sender Sender) error {
	e.mu.Lock()
	if e.logCount == 0 || !e.enabled || e.paused || e.senderBusyLocked(sender) {
		e.mu.Unlock()
		return nil
	}
	body := e.buildLogsLocked()
	count := e.logCount
	e.logHead, e.logCount = 0, 0
	if body == nil {
		e.stats.SendErrors++
		e.mu.Unlock()
		return ErrPayloadTooLarge
	}
	e.mu.Unlock()
	return e.post(sender, PathLogs, body, count)
}

func (e *Exporter) flushMetrics(sender Sender) error {
	e.mu.Lock()
	if e.metricCount == 0 || !e.enabled || e.paused || e.senderBusyLocked(sender) {
		e.mu.Unlock()
		return nil
	}
	body := e.buildMetricsLocked()
	count := e.metricCount
	e.metricHead, e.metricCount = 0, 0
	if body == nil {
		e.stats.SendErrors++
		e.mu.Unlock()
		return ErrPayloadTooLarge
	}
	e.mu.Unlock()
	return e.post(sender, PathMetrics, body, count)
}

// Pause stops queueing and exporting, e.g. while the link is being rebuilt.
func (e *Exporter) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume undoes Pause.
func (e *Exporter) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

// Enable turns queueing on.
func (e *Exporter) Enable() {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
}

// Disable turns queueing off. Already queued records are kept.
func (e *Exporter) Disable() {
	e.mu.Lock()
	e.enabled = false
	e.mu.Unlock()
}

// Stats returns current counters.
func (e *Exporter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Enabled = e.enabled
	s.Paused = e.paused
	s.QueuedLogs = e.logCount
	s.QueuedMetrics = e.metricCount
	return s
}
