package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var trackedBytes atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_duration_seconds",
		Help: "Duration of generation steps",
	})

	TensorBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tensor_bytes_allocated",
		Help: "Current bytes held by owning tensors",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_forward_duration_seconds",
		Help:    "Attention layer forward time by phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	AttentionPath = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_path_total",
		Help: "Attention executions by kernel path",
	}, []string{"path"})

	KernelFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_fallback_total",
		Help: "Requested kernels replaced by a dense fallback",
	}, []string{"kernel"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{16, 64, 128, 256, 512, 1000, 2000, 4000, 8000},
	})

	// KV cache
	KVCacheAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_allocations_total",
		Help: "Cache buffer allocations by addressing scheme",
	}, []string{"scheme"})

	KVCacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_invalidations_total",
		Help: "Beam caches marked invalid after a batch*beam change",
	})

	KVCacheRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_repairs_total",
		Help: "Cache prefixes overwritten from caller history",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_oob_total",
		Help: "Count of cache writes past the configured capacity",
	})

	KVCacheReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_releases_total",
		Help: "Cache release calls",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kv_cache_length_tokens",
		Help:    "Filled cache length after each step",
		Buckets: []float64{1, 10, 100, 500, 1000, 2000, 4000, 8000},
	})

	BeamReorderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beam_reorder_duration_seconds",
		Help:    "Time spent gathering cached keys and values by beam ancestry",
		Buckets: prometheus.DefBuckets,
	})

	// Collectives
	AllReduceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "all_reduce_duration_seconds",
		Help:    "All-reduce latency by group transport",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})

	AllReduceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "all_reduce_errors_total",
		Help: "Failed all-reduce calls by group transport",
	}, []string{"transport"})

	AllReduceBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "all_reduce_bytes_total",
		Help: "Payload bytes contributed to all-reduce calls",
	}, []string{"transport"})

	// Beam search
	BeamSearchSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_search_steps_total",
		Help: "Beam search expansion steps",
	})

	BeamSearchFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beam_search_finished_hypotheses_total",
		Help: "Hypotheses finished by an end token",
	})

	// Softmax masking audit
	SoftmaxMaskedCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "softmax_masked_count",
		Help:    "Number of masked positions in softmax",
		Buckets: []float64{0, 10, 100, 500, 1000, 2000, 4000, 8000},
	})

	SoftmaxOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softmax_oob_total",
		Help: "Count of future positions receiving probability mass",
	})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

// TrackAlloc adjusts the owning tensor byte count by delta and publishes it.
func TrackAlloc(delta int64) int64 {
	n := trackedBytes.Add(delta)
	TensorBytesAllocated.Set(float64(n))
	return n
}

// TrackedBytes returns the current owning tensor byte count.
func TrackedBytes() int64 {
	return trackedBytes.Load()
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordForwardPhase(phase string, duration time.Duration) {
	ForwardDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func RecordAttentionPath(path string) {
	AttentionPath.WithLabelValues(path).Inc()
}

func RecordKernelFallback(kernel string) {
	KernelFallbacks.WithLabelValues(kernel).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordKVCacheAlloc records a cache buffer allocation of the given size.
func RecordKVCacheAlloc(scheme string, bytes int64) {
	KVCacheAllocations.WithLabelValues(scheme).Inc()
	KVCacheCapacityBytes.Add(float64(bytes))
}

// RecordKVCacheFree subtracts released capacity.
func RecordKVCacheFree(bytes int64) {
	KVCacheReleases.Inc()
	if bytes > 0 {
		KVCacheCapacityBytes.Sub(float64(bytes))
	}
}

func RecordKVCacheInvalidation() {
	KVCacheInvalidations.Inc()
}

func RecordKVCacheRepair() {
	KVCacheRepairs.Inc()
}

func RecordKVCacheOutOfBounds(position, capacity int) {
	KVCacheOutOfBounds.Inc()
	RecordValidationError("kv_cache", "position_"+strconv.Itoa(position)+"_cap_"+strconv.Itoa(capacity))
}

func RecordKVCacheLength(length int) {
	KVCacheLength.Observe(float64(length))
}

func RecordBeamReorder(duration time.Duration) {
	BeamReorderDuration.Observe(duration.Seconds())
}

func RecordAllReduce(transport string, elems int, duration time.Duration, err error) {
	if err != nil {
		AllReduceErrors.WithLabelValues(transport).Inc()
		return
	}
	AllReduceDuration.WithLabelValues(transport).Observe(duration.Seconds())
	AllReduceBytes.WithLabelValues(transport).Add(float64(elems * 4))
}

func RecordBeamSearchStep(finished int) {
	BeamSearchSteps.Inc()
	if finished > 0 {
		BeamSearchFinished.Add(float64(finished))
	}
}

// RecordSoftmaxMaskingAudit records how many positions were masked and how many
// future positions leaked probability.
func RecordSoftmaxMaskingAudit(masked, leaked int) {
	SoftmaxMaskedCount.Observe(float64(masked))
	if leaked > 0 {
		SoftmaxOutOfBounds.Add(float64(leaked))
	}
}
