// Package metrics is a tiny facade between sync code and a metrics
// backend. Sync code calls IncCounter/ObserveHistogram with stable
// metric names; main decides at startup which backend (if any) receives
// them. The default backend discards everything, so instrumented code
// never has to check whether metrics are enabled.
package metrics

import (
	"sync"
	"time"
)

// Labels are free-form key/value pairs attached to a metric point.
type Labels map[string]string

// Backend receives metric points. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer points and submit them
// out-of-band.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the active backend. Call once at startup,
// before any goroutine records metrics.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func active() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to the named counter on the active backend.
func IncCounter(name string, delta float64, labels Labels) {
	active().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named histogram on the
// active backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	active().ObserveHistogram(name, value, labels)
}

// Flush asks the active backend to submit buffered points. Backends
// that do not buffer make this a no-op.
func Flush() error {
	if f, ok := active().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStage records one completed run stage: a count under
// sync_stage_total and a duration sample under
// sync_stage_duration_seconds, both tagged with the stage name and
// ok/error status.
func RecordStage(stage string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := Labels{"stage": stage, "status": status}
	IncCounter("sync_stage_total", 1, labels)
	ObserveHistogram("sync_stage_duration_seconds", d.Seconds(), labels)
}
