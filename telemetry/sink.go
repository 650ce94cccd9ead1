// Package telemetry implements the operational surface spec §6.6 describes
// as hooks rather than a framework: a generic counter/histogram sink and a
// readiness probe, wired through prometheus client types the way the
// teacher's root metrics.go registers its RPC counters.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the injected, process-wide metrics collaborator (spec §9:
// "the only process-wide state is the metrics sink... treat both as
// injected; never look up globally"). Unlike the teacher's fixed set of
// named globals, OnEvent and ObserveDuration register counter and histogram
// vecs for names they haven't seen yet, since the packer's event names aren't known until
// SPEC_FULL's components are wired up.
type Sink struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewSink builds a Sink that registers its metrics against reg. Pass
// prometheus.DefaultRegisterer for the process-global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func NewSink(reg prometheus.Registerer) *Sink {
	return &Sink{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// OnEvent records one observation: value is added to a counter named name,
// created on first use. Durations are recorded separately through
// ObserveDuration. labels must use the same key set on every call for a
// given name.
func (s *Sink) OnEvent(name string, labels map[string]string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := labelKeys(labels)
	cv, ok := s.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "des_" + name + "_total",
			Help: "DES event counter: " + name,
		}, keys)
		s.registerer.MustRegister(cv)
		s.counters[name] = cv
	}
	cv.With(labels).Add(value)
}

// ObserveDuration records value (seconds) into a histogram named name,
// creating it on first use. Used for latency-shaped events (lease renewal
// round-trip, upload duration, claim round-trip).
func (s *Sink) ObserveDuration(name string, labels map[string]string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := labelKeys(labels)
	hv, ok := s.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "des_" + name + "_seconds",
			Help:    "DES event duration: " + name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		s.registerer.MustRegister(hv)
		s.histograms[name] = hv
	}
	hv.With(labels).Observe(seconds)
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}
