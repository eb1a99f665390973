package sharepipeline

import (
	"testing"
	"time"
)

func TestInvalidShareWindowPublishesUnderLimit(t *testing.T) {
	w := NewInvalidShareWindow()
	now := time.Now()

	for i := 0; i < InvalidShareSlidingWindowMaxLimit; i++ {
		if !w.Record(now) {
			t.Fatalf("record %d: expected publication while under the sliding window limit", i)
		}
	}
}

func TestInvalidShareWindowSuppressesOnceSaturated(t *testing.T) {
	w := NewInvalidShareWindow()
	now := time.Now()

	for i := 0; i < InvalidShareSlidingWindowMaxLimit; i++ {
		w.Record(now)
	}

	suppressedSeen := false
	for i := 0; i < 5; i++ {
		if !w.Record(now) {
			suppressedSeen = true
			break
		}
	}
	if !suppressedSeen {
		t.Fatal("expected publication to be suppressed once the 1-minute sum exceeds the limit")
	}
}

func TestInvalidShareWindowDropsOldBuckets(t *testing.T) {
	w := NewInvalidShareWindow()
	base := time.Now()

	for i := 0; i < InvalidShareSlidingWindowMaxLimit; i++ {
		w.Record(base)
	}

	// Two minutes later the old bucket must have rotated out, so the
	// window is no longer saturated and publication resumes.
	if !w.Record(base.Add(2 * time.Minute)) {
		t.Fatal("expected publication to resume once the old bucket rotates out")
	}
}
