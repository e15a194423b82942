package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"islrecognizer/recognizer"
)

type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeSummary MetricType = "summary"
)

type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

const maxHistory = 1000

// MetricsCollector keeps a bounded history of samples per metric name.
type MetricsCollector struct {
	metrics     map[string][]*Metric
	metricsLock sync.RWMutex

	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string][]*Metric),
		startTime: time.Now(),
	}
}

// CollectSystemMetrics samples runtime metrics every interval until ctx is
// done.
func (mc *MetricsCollector) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.collectRuntimeMetrics()
		}
	}
}

func (mc *MetricsCollector) collectRuntimeMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mc.SetGauge("memory_heap_alloc", float64(m.HeapAlloc), nil)
	mc.SetGauge("system_goroutines", float64(runtime.NumGoroutine()), nil)
}

func (mc *MetricsCollector) RecordMetric(metric *Metric) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()
	mc.recordLocked(metric)
}

func (mc *MetricsCollector) recordLocked(metric *Metric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}
	history := append(mc.metrics[metric.Name], metric)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	mc.metrics[metric.Name] = history
}

func (mc *MetricsCollector) GetMetric(name string) ([]*Metric, error) {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	metrics, ok := mc.metrics[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	result := make([]*Metric, len(metrics))
	for i, m := range metrics {
		metricCopy := *m
		result[i] = &metricCopy
	}
	return result, nil
}

func (mc *MetricsCollector) GetAllMetrics() map[string][]*Metric {
	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	result := make(map[string][]*Metric, len(mc.metrics))
	for name, metrics := range mc.metrics {
		metricCopy := make([]*Metric, len(metrics))
		for i, m := range metrics {
			m := *m
			metricCopy[i] = &m
		}
		result[name] = metricCopy
	}
	return result
}

// Summary describes the recorded values of one metric.
type Summary struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Latest  float64   `json:"latest"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Mean    float64   `json:"mean"`
	StdDev  float64   `json:"stddev"`
	P50     float64   `json:"p50"`
	P95     float64   `json:"p95"`
	Updated time.Time `json:"updated"`
}

func (mc *MetricsCollector) GetMetricSummary(name string) (Summary, error) {
	metrics, err := mc.GetMetric(name)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Name: name, Count: len(metrics)}
	if len(metrics) == 0 {
		return summary, nil
	}

	values := make([]float64, len(metrics))
	for i, m := range metrics {
		values[i] = m.Value
	}
	summary.Latest = values[len(values)-1]
	summary.Updated = metrics[len(metrics)-1].Timestamp
	summary.Mean = stat.Mean(values, nil)
	if len(values) > 1 {
		summary.StdDev = stat.StdDev(values, nil)
	}

	sort.Float64s(values)
	summary.Min = values[0]
	summary.Max = values[len(values)-1]
	summary.P50 = stat.Quantile(0.5, stat.Empirical, values, nil)
	summary.P95 = stat.Quantile(0.95, stat.Empirical, values, nil)
	return summary, nil
}

// IncrCounter adds value to the latest value of a counter.
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	current := 0.0
	if history := mc.metrics[name]; len(history) > 0 {
		current = history[len(history)-1].Value
	}
	mc.recordLocked(&Metric{Name: name, Type: MetricTypeCounter, Value: current + value, Labels: labels})
}

func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.RecordMetric(&Metric{Name: name, Type: MetricTypeGauge, Value: value, Labels: labels})
}

func (mc *MetricsCollector) Observe(name string, value float64) {
	mc.RecordMetric(&Metric{Name: name, Type: MetricTypeSummary, Value: value})
}

// ExportPrometheus renders the latest sample of every metric in the
// Prometheus text format, sorted by name.
func (mc *MetricsCollector) ExportPrometheus() string {
	metrics := mc.GetAllMetrics()
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		list := metrics[name]
		if len(list) == 0 {
			continue
		}
		metric := list[len(list)-1]
		help := metric.Help
		if help == "" {
			help = fmt.Sprintf("Metric %s", name)
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, metric.Type)

		labels := ""
		if len(metric.Labels) > 0 {
			keys := make([]string, 0, len(metric.Labels))
			for k := range metric.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = fmt.Sprintf(`%s=%q`, k, metric.Labels[k])
			}
			labels = "{" + strings.Join(pairs, ",") + "}"
		}
		fmt.Fprintf(&b, "%s%s %g\n", name, labels, metric.Value)
	}
	return b.String()
}

func (mc *MetricsCollector) ExportJSON() (string, error) {
	data, err := json.MarshalIndent(mc.GetAllMetrics(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

func (mc *MetricsCollector) GetSystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]interface{}{
		"uptime":     mc.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":      m.Alloc,
			"heap_alloc": m.HeapAlloc,
			"heap_inuse": m.HeapInuse,
			"gc_count":   m.NumGC,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

// RecognitionMetrics derives recognizer metrics from state changes.
type RecognitionMetrics struct {
	collector *MetricsCollector

	mu         sync.Mutex
	inferences uint64
	failures   uint64
	lastLabel  string
	attempts   map[bool]int64
}

func NewRecognitionMetrics(collector *MetricsCollector) *RecognitionMetrics {
	return &RecognitionMetrics{collector: collector, attempts: make(map[bool]int64)}
}

// Observe is a recognizer observer.
func (rm *RecognitionMetrics) Observe(s recognizer.State) {
	rm.mu.Lock()
	newInference := s.Inferences > rm.inferences
	newFailures := float64(0)
	if s.Failures > rm.failures {
		newFailures = float64(s.Failures - rm.failures)
	}
	rm.inferences = s.Inferences
	rm.failures = s.Failures

	label := ""
	if s.Best != nil {
		label = s.Best.Label
	}
	detected := label != "" && label != rm.lastLabel
	rm.lastLabel = label
	rm.mu.Unlock()

	if newInference && s.LastLatency > 0 {
		rm.collector.Observe("inference_latency_ms", float64(s.LastLatency)/float64(time.Millisecond))
	}
	if newFailures > 0 {
		rm.collector.IncrCounter("inference_failures_total", newFailures, nil)
	}
	rm.collector.SetGauge("inferences_total", float64(s.Inferences), nil)
	if detected {
		rm.collector.IncrCounter("detections_total", 1, nil)
		rm.collector.SetGauge("last_detection_confidence", s.Best.Probability, map[string]string{"label": label})
	}
}

// RecordAttempt counts a tutorial practice attempt.
func (rm *RecognitionMetrics) RecordAttempt(passed bool) {
	rm.mu.Lock()
	rm.attempts[passed]++
	rm.mu.Unlock()
	if passed {
		rm.collector.IncrCounter("practice_passed_total", 1, nil)
	} else {
		rm.collector.IncrCounter("practice_failed_total", 1, nil)
	}
}

// Stats returns the recognizer counters and latency summary.
func (rm *RecognitionMetrics) Stats() map[string]interface{} {
	rm.mu.Lock()
	stats := map[string]interface{}{
		"inferences":      rm.inferences,
		"failures":        rm.failures,
		"last_label":      rm.lastLabel,
		"attempts_passed": rm.attempts[true],
		"attempts_failed": rm.attempts[false],
	}
	rm.mu.Unlock()

	if latency, err := rm.collector.GetMetricSummary("inference_latency_ms"); err == nil {
		stats["latency_ms"] = latency
	}
	return stats
}
