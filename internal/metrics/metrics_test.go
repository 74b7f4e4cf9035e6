package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordInference(t *testing.T) {
	before := testutil.ToFloat64(InferenceTokensTotal)
	lifetime := TotalTokens()

	RecordInference(5, 500*time.Millisecond)
	RecordInference(3, 0)

	if got := testutil.ToFloat64(InferenceTokensTotal) - before; got != 8 {
		t.Errorf("expected 8 tokens recorded, got %v", got)
	}
	if got := TotalTokens() - lifetime; got != 8 {
		t.Errorf("expected lifetime counter +8, got %d", got)
	}
	// zero duration must not overwrite the gauge with Inf
	if got := testutil.ToFloat64(TokensPerSecond); got != 10 {
		t.Errorf("expected 10 tokens/s, got %v", got)
	}
}

func TestRecordSessionByReason(t *testing.T) {
	before := testutil.ToFloat64(SessionsTotal.WithLabelValues("cancelled"))
	RecordSession("cancelled")
	RecordSession("cancelled")
	RecordSession("completed")
	if got := testutil.ToFloat64(SessionsTotal.WithLabelValues("cancelled")) - before; got != 2 {
		t.Errorf("expected 2 cancelled sessions, got %v", got)
	}
}

func TestRecordKVCacheStats(t *testing.T) {
	RecordKVCacheStats(128, 4096)
	RecordKVCachePositions(17)
	if got := testutil.ToFloat64(KVCacheCapacity); got != 128 {
		t.Errorf("capacity = %v", got)
	}
	if got := testutil.ToFloat64(KVCacheCapacityBytes); got != 4096 {
		t.Errorf("capacity bytes = %v", got)
	}
	if got := testutil.ToFloat64(KVCachePositions); got != 17 {
		t.Errorf("positions = %v", got)
	}

	before := testutil.ToFloat64(KVCacheOutOfBounds)
	RecordKVCacheOutOfBounds(128, 128)
	if got := testutil.ToFloat64(KVCacheOutOfBounds) - before; got != 1 {
		t.Errorf("expected one OOB, got %v", got)
	}
}

func TestRecordGauges(t *testing.T) {
	RecordPackedWeights(1 << 20)
	RecordScratchMemory(2048)
	if got := testutil.ToFloat64(PackedWeightBytes); got != 1<<20 {
		t.Errorf("packed = %v", got)
	}
	if got := testutil.ToFloat64(ScratchMemoryBytes); got != 2048 {
		t.Errorf("scratch = %v", got)
	}
}

func TestRecordTokenizerUnknown(t *testing.T) {
	before := testutil.ToFloat64(TokenizerUnknownBytes)
	RecordTokenizerUnknown(0)
	RecordTokenizerUnknown(4)
	if got := testutil.ToFloat64(TokenizerUnknownBytes) - before; got != 4 {
		t.Errorf("expected 4 unknown bytes, got %v", got)
	}
}

func TestHistogramsCollect(t *testing.T) {
	RecordPrefill(12, 3*time.Millisecond)
	RecordDecodeStep(time.Millisecond)
	RecordKernelDuration("attention", time.Microsecond)
	RecordSample(0.4)
	RecordWeightFetch("memory", time.Microsecond)
	RecordSessionError("prefill")

	if n := testutil.CollectAndCount(KernelDuration); n < 1 {
		t.Errorf("expected kernel histogram series, got %d", n)
	}
	if n := testutil.CollectAndCount(PrefillDuration); n != 1 {
		t.Errorf("expected one prefill histogram, got %d", n)
	}
}
