package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the acquisition engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the acquisition hot path.
type Collector interface {
	IncAcquisitionStarted(variable string)
	IncAcquisitionCompleted(variable string)
	IncAcquisitionCanceled(variable string)
	IncAcquisitionSuperseded(variable string)
	IncMergeError(variable string)
	SetAcquisitionProgress(variable string, percent float64)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncAcquisitionStarted(string)           {}
func (noopCollector) IncAcquisitionCompleted(string)         {}
func (noopCollector) IncAcquisitionCanceled(string)          {}
func (noopCollector) IncAcquisitionSuperseded(string)        {}
func (noopCollector) IncMergeError(string)                   {}
func (noopCollector) SetAcquisitionProgress(string, float64) {}

// PrometheusCollector exposes acquisition counters via Prometheus.
type PrometheusCollector struct {
	started    *prometheus.CounterVec
	completed  *prometheus.CounterVec
	canceled   *prometheus.CounterVec
	superseded *prometheus.CounterVec
	mergeError *prometheus.CounterVec
	progress   *prometheus.GaugeVec
}

var (
	registryLock     sync.Mutex
	startedCounter   *prometheus.CounterVec
	completedCounter *prometheus.CounterVec
	canceledCounter  *prometheus.CounterVec
	supersededCount  *prometheus.CounterVec
	mergeErrorCount  *prometheus.CounterVec
	progressGauge    *prometheus.GaugeVec
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Registering twice reuses the collectors already known to the
// registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	registryLock.Lock()
	defer registryLock.Unlock()

	var err error
	if startedCounter == nil {
		startedCounter, err = ensureCounter(reg, prometheus.CounterOpts{
			Name: "varsync_acquisitions_started_total",
			Help: "Number of acquisition requests submitted per variable.",
		})
		if err != nil {
			return nil, err
		}
	}
	if completedCounter == nil {
		completedCounter, err = ensureCounter(reg, prometheus.CounterOpts{
			Name: "varsync_acquisitions_completed_total",
			Help: "Number of acquisition requests completed per variable.",
		})
		if err != nil {
			return nil, err
		}
	}
	if canceledCounter == nil {
		canceledCounter, err = ensureCounter(reg, prometheus.CounterOpts{
			Name: "varsync_acquisitions_canceled_total",
			Help: "Number of acquisition requests canceled or failed per variable.",
		})
		if err != nil {
			return nil, err
		}
	}
	if supersededCount == nil {
		supersededCount, err = ensureCounter(reg, prometheus.CounterOpts{
			Name: "varsync_acquisitions_superseded_total",
			Help: "Number of queued acquisition requests replaced before dispatch.",
		})
		if err != nil {
			return nil, err
		}
	}
	if mergeErrorCount == nil {
		mergeErrorCount, err = ensureCounter(reg, prometheus.CounterOpts{
			Name: "varsync_merge_errors_total",
			Help: "Number of completed acquisitions rejected by the cache merge.",
		})
		if err != nil {
			return nil, err
		}
	}
	if progressGauge == nil {
		progressGauge, err = ensureGauge(reg, prometheus.GaugeOpts{
			Name: "varsync_acquisition_progress_percent",
			Help: "Aggregate progress of the running acquisition per variable.",
		})
		if err != nil {
			return nil, err
		}
	}

	return &PrometheusCollector{
		started:    startedCounter,
		completed:  completedCounter,
		canceled:   canceledCounter,
		superseded: supersededCount,
		mergeError: mergeErrorCount,
		progress:   progressGauge,
	}, nil
}

func ensureCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, []string{"variable"})
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func ensureGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(opts, []string{"variable"})
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncAcquisitionStarted increments the submission counter for the variable.
func (p *PrometheusCollector) IncAcquisitionStarted(variable string) {
	if p == nil || p.started == nil {
		return
	}
	p.started.WithLabelValues(variable).Inc()
}

// IncAcquisitionCompleted increments the completion counter for the variable.
func (p *PrometheusCollector) IncAcquisitionCompleted(variable string) {
	if p == nil || p.completed == nil {
		return
	}
	p.completed.WithLabelValues(variable).Inc()
}

// IncAcquisitionCanceled increments the cancellation counter for the variable.
func (p *PrometheusCollector) IncAcquisitionCanceled(variable string) {
	if p == nil || p.canceled == nil {
		return
	}
	p.canceled.WithLabelValues(variable).Inc()
}

// IncAcquisitionSuperseded counts a queued request replaced by a newer one.
func (p *PrometheusCollector) IncAcquisitionSuperseded(variable string) {
	if p == nil || p.superseded == nil {
		return
	}
	p.superseded.WithLabelValues(variable).Inc()
}

// IncMergeError counts a merge rejected as inconsistent.
func (p *PrometheusCollector) IncMergeError(variable string) {
	if p == nil || p.mergeError == nil {
		return
	}
	p.mergeError.WithLabelValues(variable).Inc()
}

// SetAcquisitionProgress updates the progress gauge for the variable.
func (p *PrometheusCollector) SetAcquisitionProgress(variable string, percent float64) {
	if p == nil || p.progress == nil {
		return
	}
	p.progress.WithLabelValues(variable).Set(percent)
}
