package telemetry

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promNamespace prefixes every exported metric.
const promNamespace = "warden"

// PromSink exports emissions through a Prometheus registerer.
// Vectors are created lazily on first use; the label schema of a metric
// is fixed by its first emission, later emissions must use the same keys.
type PromSink struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromSink creates a Prometheus-backed sink. A nil registerer uses
// the default registerer.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromSink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(tags Labels) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count adds delta to the named counter.
func (s *PromSink) Count(name string, delta int64, tags Labels) {
	if s == nil || delta < 0 {
		return
	}
	s.mu.Lock()
	vec, ok := s.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
		}, labelKeys(tags))
		if err := s.reg.Register(vec); err != nil {
			if are, dup := err.(prometheus.AlreadyRegisteredError); dup {
				vec = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				s.mu.Unlock()
				return
			}
		}
		s.counters[name] = vec
	}
	s.mu.Unlock()

	m, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		return // label schema mismatch, drop rather than panic
	}
	m.Add(float64(delta))
}

// SetGauge sets the named gauge.
func (s *PromSink) SetGauge(name string, value int64, tags Labels) {
	if s == nil {
		return
	}
	s.mu.Lock()
	vec, ok := s.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
		}, labelKeys(tags))
		if err := s.reg.Register(vec); err != nil {
			if are, dup := err.(prometheus.AlreadyRegisteredError); dup {
				vec = are.ExistingCollector.(*prometheus.GaugeVec)
			} else {
				s.mu.Unlock()
				return
			}
		}
		s.gauges[name] = vec
	}
	s.mu.Unlock()

	m, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		return
	}
	m.Set(float64(value))
}

// Observe records a histogram observation in seconds.
func (s *PromSink) Observe(name string, seconds float64, tags Labels) {
	if s == nil {
		return
	}
	s.mu.Lock()
	vec, ok := s.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      name,
			Buckets:   DefaultHistogramBuckets,
		}, labelKeys(tags))
		if err := s.reg.Register(vec); err != nil {
			if are, dup := err.(prometheus.AlreadyRegisteredError); dup {
				vec = are.ExistingCollector.(*prometheus.HistogramVec)
			} else {
				s.mu.Unlock()
				return
			}
		}
		s.histograms[name] = vec
	}
	s.mu.Unlock()

	m, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		return
	}
	m.Observe(seconds)
}
