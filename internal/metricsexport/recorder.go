package metricsexport

import (
	"strings"
	"sync"
)

// Recorder receives billing events worth exporting. The zero value of
// the package is a no-op until Register wires a live recorder.
type Recorder interface {
	RecordUsageEvent(orgID, metricName string)
	RecordInvoiceGenerated(orgID string)
	RecordPaymentCaptured(orgID, provider string)
	RecordRefundProcessed(orgID, refundType string)
	RecordEngineError(orgID, operation string)
	SetHotBacklog(count int64)
}

type recorder struct {
	collectors *collectors
}

type noopRecorder struct{}

func (noopRecorder) RecordUsageEvent(string, string)     {}
func (noopRecorder) RecordInvoiceGenerated(string)       {}
func (noopRecorder) RecordPaymentCaptured(string, string) {}
func (noopRecorder) RecordRefundProcessed(string, string) {}
func (noopRecorder) RecordEngineError(string, string)    {}
func (noopRecorder) SetHotBacklog(int64)                 {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

func current() Recorder {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	return rec
}

func RecordUsageEvent(orgID, metricName string) { current().RecordUsageEvent(orgID, metricName) }

func RecordInvoiceGenerated(orgID string) { current().RecordInvoiceGenerated(orgID) }

func RecordPaymentCaptured(orgID, provider string) { current().RecordPaymentCaptured(orgID, provider) }

func RecordRefundProcessed(orgID, refundType string) {
	current().RecordRefundProcessed(orgID, refundType)
}

func RecordEngineError(orgID, operation string) { current().RecordEngineError(orgID, operation) }

func SetHotBacklog(count int64) { current().SetHotBacklog(count) }

func (r *recorder) RecordUsageEvent(orgID, metricName string) {
	if r == nil || r.collectors == nil {
		return
	}
	r.collectors.usageEvents.WithLabelValues(normalizeLabel(orgID), normalizeLabel(metricName)).Inc()
}

func (r *recorder) RecordInvoiceGenerated(orgID string) {
	if r == nil || r.collectors == nil {
		return
	}
	r.collectors.invoicesGenerated.WithLabelValues(normalizeLabel(orgID)).Inc()
}

func (r *recorder) RecordPaymentCaptured(orgID, provider string) {
	if r == nil || r.collectors == nil {
		return
	}
	r.collectors.paymentsCaptured.WithLabelValues(normalizeLabel(orgID), normalizeLabel(provider)).Inc()
}

func (r *recorder) RecordRefundProcessed(orgID, refundType string) {
	if r == nil || r.collectors == nil {
		return
	}
	r.collectors.refundsProcessed.WithLabelValues(normalizeLabel(orgID), normalizeLabel(refundType)).Inc()
}

func (r *recorder) RecordEngineError(orgID, operation string) {
	if r == nil || r.collectors == nil {
		return
	}
	r.collectors.engineErrors.WithLabelValues(normalizeLabel(orgID), normalizeLabel(operation)).Inc()
}

func (r *recorder) SetHotBacklog(count int64) {
	if r == nil || r.collectors == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	r.collectors.hotBacklog.Set(float64(count))
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
