package telemetry

import (
	"openenterprise/imacdimmer/jsonw"
)

// BuildLogsJSON renders the queued logs as an OTLP logs payload without
// dequeuing them. The returned slice aliases the exporter's buffer. It is nil
// if the payload does not fit.
func (e *Exporter) BuildLogsJSON() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildLogsLocked()
}

// BuildMetricsJSON renders the queued metrics as an OTLP metrics payload
// without dequeuing them.
func (e *Exporter) BuildMetricsJSON() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildMetricsLocked()
}

func (e *Exporter) buildLogsLocked() []byte {
	w := jsonw.New(e.payload[:])
	w.Raw(`{"resourceLogs":[{`)
	e.writeResource(w)
	w.Raw(`,"scopeLogs":[{"scope":{"name":`)
	w.String(e.resource.ServiceName)
	w.Raw(`},"logRecords":[`)

	for i := 0; i < e.logCount; i++ {
		entry := &e.logs[(e.logHead+i)%len(e.logs)]
		if i > 0 {
			w.Byte(',')
		}
		w.Raw(`{"timeUnixNano":`)
		w.Int64String(entry.Timestamp)
		w.Raw(`,"severityNumber":`)
		w.Int(int64(entry.Severity))
		w.Raw(`,"severityText":`)
		w.String(severityText(entry.Severity))
		w.Raw(`,"body":{"stringValue":`)
		w.StringBytes(entry.Body[:entry.BodyLen])
		w.Raw(`}}`)
	}

	w.Raw(`]}]}]}`)
	if w.Overflowed() {
		return nil
	}
	return w.Bytes()
}

func (e *Exporter) buildMetricsLocked() []byte {
	w := jsonw.New(e.payload[:])
	w.Raw(`{"resourceMetrics":[{`)
	e.writeResource(w)
	w.Raw(`,"scopeMetrics":[{"scope":{"name":`)
	w.String(e.resource.ServiceName)
	w.Raw(`},"metrics":[`)

	for i := 0; i < e.metricCount; i++ {
		p := &e.metrics[(e.metricHead+i)%len(e.metrics)]
		if i > 0 {
			w.Byte(',')
		}
		w.Raw(`{"name":`)
		w.StringBytes(p.Name[:p.NameLen])
		if p.IsGauge {
			w.Raw(`,"gauge":{"dataPoints":[{"timeUnixNano":`)
			w.Int64String(p.Timestamp)
			w.Raw(`,"asInt":`)
			w.Int64String(p.Value)
			w.Raw(`}]}`)
		} else {
			w.Raw(`,"sum":{"dataPoints":[{"timeUnixNano":`)
			w.Int64String(p.Timestamp)
			w.Raw(`,"asInt":`)
			w.Int64String(p.Value)
			w.Raw(`}],"aggregationTemporality":2,"isMonotonic":true}`)
		}
		w.Byte('}')
	}

	w.Raw(`]}]}]}`)
	if w.Overflowed() {
		return nil
	}
	return w.Bytes()
}

func (e *Exporter) writeResource(w *jsonw.Writer) {
	w.Raw(`"resource":{"attributes":[`)
	attr := func(first bool, key, value string) {
		if !first {
			w.Byte(',')
		}
		w.Raw(`{"key":`)
		w.String(key)
		w.Raw(`,"value":{"stringValue":`)
		w.String(value)
		w.Raw(`}}`)
	}
	attr(true, "service.name", e.resource.ServiceName)
	attr(false, "service.version", e.resource.ServiceVersion)
	attr(false, "service.instance.id", e.resource.InstanceID)
	attr(false, "host.name", e.resource.HostName)
	w.Raw(`]}`)
}

func severityText(sev uint8) string {
	switch {
	case sev >= SeverityError:
		return "ERROR"
	case sev >= SeverityWarn:
		return "WARN"
	case sev >= SeverityInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
