package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trit_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trit_prompt_tokens_total",
		Help: "The total number of prompt tokens prefilled",
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trit_prefill_duration_seconds",
		Help:    "Duration of bulk prompt forward passes",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	DecodeStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trit_decode_step_duration_seconds",
		Help:    "Duration of single-token forward passes",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trit_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trit_sessions_total",
		Help: "Generation sessions by stop reason",
	}, []string{"reason"})

	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trit_session_errors_total",
		Help: "Generation sessions that failed before decoding",
	}, []string{"stage"})

	TokensPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trit_tokens_per_second",
		Help: "Throughput of the most recent generation session",
	})

	SampledTokenProbability = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trit_sampled_token_probability",
		Help:    "Probability assigned to each sampled token",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 0.9, 0.99},
	})

	KVCachePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trit_kv_cache_positions",
		Help: "Populated positions in the KV cache",
	})

	KVCacheCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trit_kv_cache_capacity_positions",
		Help: "Maximum positions the KV cache can hold",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trit_kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trit_kv_cache_oob_total",
		Help: "Count of rejected KV cache writes past capacity",
	})

	PackedWeightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trit_packed_weight_bytes",
		Help: "Bytes of packed ternary weights held by the loaded model",
	})

	ScratchMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trit_scratch_memory_bytes",
		Help: "Bytes of float32 scratch allocated by kernel pools",
	})

	WeightFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trit_weight_fetch_duration_seconds",
		Help:    "Time to fetch one named tensor from a weight source",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	TokenizerUnknownBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trit_tokenizer_unknown_bytes_total",
		Help: "Input bytes with no vocabulary entry",
	})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	if duration > 0 {
		TokensPerSecond.Set(float64(tokens) / duration.Seconds())
	}
}

// TotalTokens is the process-lifetime generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordPrefill(promptTokens int, duration time.Duration) {
	PromptTokensTotal.Add(float64(promptTokens))
	PrefillDuration.Observe(duration.Seconds())
}

func RecordDecodeStep(duration time.Duration) {
	DecodeStepDuration.Observe(duration.Seconds())
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordSession(reason string) {
	SessionsTotal.WithLabelValues(reason).Inc()
}

func RecordSessionError(stage string) {
	SessionErrors.WithLabelValues(stage).Inc()
}

func RecordSample(prob float64) {
	SampledTokenProbability.Observe(prob)
}

// RecordKVCacheStats records KV cache capacity and usage
func RecordKVCacheStats(capacityPositions int, capacityBytes int64) {
	KVCacheCapacity.Set(float64(capacityPositions))
	KVCacheCapacityBytes.Set(float64(capacityBytes))
}

func RecordKVCachePositions(n int) {
	KVCachePositions.Set(float64(n))
}

// RecordKVCacheOutOfBounds records rejected KV cache writes
func RecordKVCacheOutOfBounds(position, capacity int) {
	KVCacheOutOfBounds.Inc()
}

func RecordPackedWeights(bytes int64) {
	PackedWeightBytes.Set(float64(bytes))
}

func RecordScratchMemory(bytes int64) {
	ScratchMemoryBytes.Set(float64(bytes))
}

func RecordWeightFetch(source string, duration time.Duration) {
	WeightFetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func RecordTokenizerUnknown(n int) {
	if n > 0 {
		TokenizerUnknownBytes.Add(float64(n))
	}
}
