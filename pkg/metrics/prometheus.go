// Package metrics provides Prometheus metrics for the formlab service.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the formlab service.
type Manager struct {
	enabled          atomic.Bool
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Extraction
	framesProcessed    prometheus.Counter
	framesDropped      *prometheus.CounterVec
	extractionFailures *prometheus.CounterVec

	// Inference
	inferenceLatency *prometheus.HistogramVec
	predictions      *prometheus.CounterVec
	sessionsActive   prometheus.Gauge

	// Training
	trainingTasks    *prometheus.CounterVec
	trainingEpochs   prometheus.Counter
	trainingDuration prometheus.Histogram
	trainingAccuracy prometheus.Gauge
	artifactsSaved   prometheus.Counter

	// Queue / workers
	queueSize         prometheus.Gauge
	queueCapacity     prometheus.Gauge
	queueEnqueued     prometheus.Counter
	queueRejected     *prometheus.CounterVec
	workerActiveCount prometheus.Gauge
	workerBusyCount   prometheus.Gauge

	// Pose workers
	poseRequestLatency prometheus.Histogram
	poseWorkerRestarts prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec
}

// DefaultLatencyBuckets spans 1 ms to about 8 s; every latency here is in milliseconds.
var DefaultLatencyBuckets = prometheus.ExponentialBuckets(1, 2, 14) //nolint:gochecknoglobals // shared default

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "formlab",
		subsystem:        "",
		histogramBuckets: DefaultLatencyBuckets,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	m.enabled.Store(true)

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	return m.metricPrefix + n
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)
	labels := prometheus.Labels(m.customLabels)

	m.framesProcessed = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("frames_processed_total"),
		Help: "Total number of frames turned into landmark vectors",
	})
	m.framesDropped = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("frames_dropped_total"),
		Help: "Frames dropped before extraction, by reason",
	}, []string{"reason"})
	m.extractionFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("extraction_failures_total"),
		Help: "Landmark extraction failures by source kind",
	}, []string{"source"})

	m.inferenceLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name:    m.name("inference_latency_milliseconds"),
		Help:    "Scale plus classify latency in milliseconds",
		Buckets: m.histogramBuckets,
	}, []string{"mode"})
	m.predictions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("predictions_total"),
		Help: "Predictions emitted by mode and label",
	}, []string{"mode", "label"})
	m.sessionsActive = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("realtime_sessions_active"),
		Help: "Number of open realtime sessions",
	})

	m.trainingTasks = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("training_tasks_total"),
		Help: "Training tasks by terminal status",
	}, []string{"status"})
	m.trainingEpochs = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("training_epochs_total"),
		Help: "Training epochs completed across all runs",
	})
	m.trainingDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name:    m.name("training_duration_seconds"),
		Help:    "Wall time of completed training runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
	m.trainingAccuracy = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("training_last_test_accuracy"),
		Help: "Held-out accuracy of the most recent completed run",
	})
	m.artifactsSaved = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("artifacts_saved_total"),
		Help: "Model artifact bundles written",
	})

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("queue_size"),
		Help: "Training jobs waiting in the queue",
	})
	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("queue_capacity"),
		Help: "Maximum number of waiting training jobs",
	})
	m.queueEnqueued = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("queue_enqueued_total"),
		Help: "Training jobs accepted by the queue",
	})
	m.queueRejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("queue_rejected_total"),
		Help: "Training jobs rejected by the queue, by reason",
	}, []string{"reason"})
	m.workerActiveCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("worker_active_count"),
		Help: "Training workers started",
	})
	m.workerBusyCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("worker_busy_count"),
		Help: "Training workers currently running a job",
	})

	m.poseRequestLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name:    m.name("pose_request_latency_milliseconds"),
		Help:    "Round trip to a pose worker process",
		Buckets: m.histogramBuckets,
	})
	m.poseWorkerRestarts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("pose_worker_restarts_total"),
		Help: "Pose worker processes respawned after a failure",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("http_requests_total"),
		Help: "Total number of HTTP requests by endpoint and method",
	}, []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name:    m.name("http_request_duration_milliseconds"),
		Help:    "HTTP request duration in milliseconds",
		Buckets: m.histogramBuckets,
	}, []string{"endpoint", "method", "status_code"})
	m.errorRateByEndpoint = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("errors_by_endpoint_total"),
		Help: "Total number of errors by endpoint",
	}, []string{"endpoint", "method", "error_type"})
}

// Extraction.

// RecordFrameProcessed counts one extracted frame.
func RecordFrameProcessed() {
	if globalManager.enabled.Load() {
		globalManager.framesProcessed.Inc()
	}
}

// RecordFrameDropped counts a frame skipped for reason (busy, extraction, closed).
func RecordFrameDropped(reason string) {
	if globalManager.enabled.Load() {
		globalManager.framesDropped.WithLabelValues(reason).Inc()
	}
}

// RecordExtractionFailure counts a failed extraction for a source kind (video, frame).
func RecordExtractionFailure(source string) {
	if globalManager.enabled.Load() {
		globalManager.extractionFailures.WithLabelValues(source).Inc()
	}
}

// Inference.

// RecordInferenceLatency records scale+classify latency for mode (batch, realtime).
func RecordInferenceLatency(mode string, latencyMs float64) {
	if globalManager.enabled.Load() {
		globalManager.inferenceLatency.WithLabelValues(mode).Observe(latencyMs)
	}
}

// RecordPrediction counts an emitted prediction.
func RecordPrediction(mode, label string) {
	if globalManager.enabled.Load() {
		globalManager.predictions.WithLabelValues(mode, label).Inc()
	}
}

// UpdateSessionsActive sets the number of open realtime sessions.
func UpdateSessionsActive(count int) {
	globalManager.sessionsActive.Set(float64(count))
}

// Training.

// RecordTrainingTask counts a task reaching status.
func RecordTrainingTask(status string) {
	if globalManager.enabled.Load() {
		globalManager.trainingTasks.WithLabelValues(status).Inc()
	}
}

// RecordTrainingEpoch counts one completed epoch.
func RecordTrainingEpoch() {
	if globalManager.enabled.Load() {
		globalManager.trainingEpochs.Inc()
	}
}

// RecordTrainingDuration observes a completed run's wall time.
func RecordTrainingDuration(d time.Duration) {
	if globalManager.enabled.Load() {
		globalManager.trainingDuration.Observe(d.Seconds())
	}
}

// UpdateTrainingAccuracy sets the held-out accuracy of the latest run.
func UpdateTrainingAccuracy(acc float64) {
	globalManager.trainingAccuracy.Set(acc)
}

// RecordArtifactSaved counts a persisted bundle.
func RecordArtifactSaved() {
	if globalManager.enabled.Load() {
		globalManager.artifactsSaved.Inc()
	}
}

// Queue / workers.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if globalManager.enabled.Load() {
		globalManager.queueEnqueued.Inc()
	}
}

// RecordQueueRejected counts a rejected enqueue.
func RecordQueueRejected(reason string) {
	if globalManager.enabled.Load() {
		globalManager.queueRejected.WithLabelValues(reason).Inc()
	}
}

// UpdateWorkerActiveCount sets the number of started workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// AddWorkerBusy adjusts the busy worker gauge by delta.
func AddWorkerBusy(delta int) {
	globalManager.workerBusyCount.Add(float64(delta))
}

// Pose workers.

// RecordPoseRequestLatency observes one pose worker round trip.
func RecordPoseRequestLatency(latencyMs float64) {
	if globalManager.enabled.Load() {
		globalManager.poseRequestLatency.Observe(latencyMs)
	}
}

// RecordPoseWorkerRestart counts a respawned pose worker.
func RecordPoseWorkerRestart() {
	if globalManager.enabled.Load() {
		globalManager.poseWorkerRestarts.Inc()
	}
}

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if globalManager.enabled.Load() {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if globalManager.enabled.Load() {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	if globalManager.enabled.Load() {
		globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
	}
}

// SetEnabled turns the package-level recorders on or off. Gauges keep
// tracking state either way.
func SetEnabled(enabled bool) {
	globalManager.enabled.Store(enabled)
}

// Enabled reports whether the package-level recorders are active.
func Enabled() bool {
	return globalManager.enabled.Load()
}

// Milliseconds converts d to fractional milliseconds, the unit of every
// latency histogram here.
func Milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
