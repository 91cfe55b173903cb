package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// In-process metrics registry, exposed as JSON on the /metrics endpoint.
// Keeping at most the last 1000 timer samples bounds memory per series.

const maxTimerSamples = 1000

// Counter is a monotonically increasing (or adjustable) value with labels.
type Counter struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
	LastUpdate time.Time         `json:"last_update"`
}

// Timer aggregates duration samples for one labelled series.
type Timer struct {
	Count   int64   `json:"count"`
	Sum     float64 `json:"sum_ms"`
	Min     float64 `json:"min_ms"`
	Max     float64 `json:"max_ms"`
	Average float64 `json:"avg_ms"`
	P95     float64 `json:"p95_ms,omitempty"`
	P99     float64 `json:"p99_ms,omitempty"`
	samples []float64
}

// Registry holds all metric series in memory.
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Counter
	timers    map[string]*Timer
	startTime time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Counter),
		timers:    make(map[string]*Timer),
		startTime: time.Now(),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

func (r *Registry) Increment(name string, labels map[string]string) {
	r.Add(name, 1, labels)
}

func (r *Registry) Add(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	if counter, ok := r.counters[key]; ok {
		counter.Value += value
		counter.LastUpdate = time.Now()
		return
	}
	r.counters[key] = &Counter{
		Name:       name,
		Value:      value,
		Labels:     copyLabels(labels),
		LastUpdate: time.Now(),
	}
}

func (r *Registry) Observe(name string, duration time.Duration, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	ms := float64(duration.Nanoseconds()) / 1e6

	timer, ok := r.timers[key]
	if !ok {
		timer = &Timer{Min: ms, Max: ms}
		r.timers[key] = timer
	}

	timer.Count++
	timer.Sum += ms
	if ms < timer.Min || timer.Count == 1 {
		timer.Min = ms
	}
	if ms > timer.Max {
		timer.Max = ms
	}
	timer.Average = timer.Sum / float64(timer.Count)

	timer.samples = append(timer.samples, ms)
	if len(timer.samples) > maxTimerSamples {
		timer.samples = timer.samples[len(timer.samples)-maxTimerSamples:]
	}
	if len(timer.samples) >= 10 {
		timer.P95 = percentile(timer.samples, 0.95)
		timer.P99 = percentile(timer.samples, 0.99)
	}
}

// Snapshot returns all series in a JSON-ready structure.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]*Counter, len(r.counters))
	for key, counter := range r.counters {
		c := *counter
		counters[key] = &c
	}
	timers := make(map[string]*Timer, len(r.timers))
	for key, timer := range r.timers {
		t := *timer
		t.samples = nil
		timers[key] = &t
	}

	return map[string]interface{}{
		"counters":  counters,
		"timers":    timers,
		"uptime_ms": time.Since(r.startTime).Milliseconds(),
		"timestamp": time.Now().Unix(),
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('_')
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func percentile(samples []float64, p float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Package-level helpers against the default registry.

func Increment(name string, labels map[string]string) {
	defaultRegistry.Increment(name, labels)
}

func Add(name string, value float64, labels map[string]string) {
	defaultRegistry.Add(name, value, labels)
}

func Observe(name string, duration time.Duration, labels map[string]string) {
	defaultRegistry.Observe(name, duration, labels)
}

func Snapshot() map[string]interface{} {
	return defaultRegistry.Snapshot()
}
