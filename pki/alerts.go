package pki

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertBulkKeyExport   AlertType = "bulk_key_export"
	AlertRevocationSpike AlertType = "revocation_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// alertWindow is a sliding-window counter that fires once per burst.
type alertWindow struct {
	kind      AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

// anomalyDetector watches audit events for bursts of private key exports
// and revocations.
type anomalyDetector struct {
	mu      sync.Mutex
	exports alertWindow
	revokes alertWindow
	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultExportWindow    = 5 * time.Minute
	defaultExportThreshold = 10
	defaultRevokeWindow    = 1 * time.Minute
	defaultRevokeThreshold = 25
)

func newAnomalyDetector(alertFn AlertFunc, now func() time.Time) *anomalyDetector {
	return &anomalyDetector{
		exports: alertWindow{
			kind:      AlertBulkKeyExport,
			message:   "private key export rate exceeds threshold",
			window:    defaultExportWindow,
			threshold: defaultExportThreshold,
		},
		revokes: alertWindow{
			kind:      AlertRevocationSpike,
			message:   "revocation rate exceeds threshold",
			window:    defaultRevokeWindow,
			threshold: defaultRevokeThreshold,
		},
		alertFn: alertFn,
		now:     now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (d *anomalyDetector) recordEvent(event AuditEvent) {
	if d == nil || d.alertFn == nil {
		return
	}
	switch event {
	case AuditPrivateKeyExported:
		d.hit(&d.exports)
	case AuditCertificateRevoked:
		d.hit(&d.revokes)
	}
}

func (d *anomalyDetector) hit(w *alertWindow) {
	d.mu.Lock()
	now := d.now()
	w.hits = append(w.hits, now)
	w.hits = trimWindow(w.hits, now, w.window)

	var fire *AlertEvent
	if len(w.hits) >= w.threshold {
		fire = &AlertEvent{
			Type:      w.kind,
			Message:   w.message,
			Count:     len(w.hits),
			Threshold: w.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same burst.
		w.hits = w.hits[:0]
	}
	d.mu.Unlock()

	if fire != nil {
		d.alertFn(*fire)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
