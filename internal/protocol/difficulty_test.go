package protocol

import (
	"testing"
	"time"
)

func testVarDiff() *VarDiff {
	return NewVarDiff(DifficultyConfig{
		InitialDifficulty: 1024,
		MinDifficulty:     1,
		MaxDifficulty:     1 << 20,
		TargetShareTime:   10 * time.Second,
		RetargetTime:      0, // retarget eligible immediately in tests
		VariancePercent:   30,
	})
}

func TestCalculateNewDifficultyDoublesOnFastShares(t *testing.T) {
	v := testVarDiff()
	state := NewWorkerDiffState(1024)

	base := time.Now()
	// Shares arriving far faster than the 10s target (well outside the
	// variance band) should push difficulty up.
	state.RecordShare(base)
	state.RecordShare(base.Add(1 * time.Second))

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected a difficulty change for a share rate far above target")
	}
	if newDiff <= 1024 {
		t.Fatalf("expected difficulty to increase from 1024, got %v", newDiff)
	}
}

func TestCalculateNewDifficultyHalvesOnSlowShares(t *testing.T) {
	v := testVarDiff()
	state := NewWorkerDiffState(1024)

	base := time.Now()
	state.RecordShare(base)
	state.RecordShare(base.Add(60 * time.Second))

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected a difficulty change for a share rate far below target")
	}
	if newDiff >= 1024 {
		t.Fatalf("expected difficulty to decrease from 1024, got %v", newDiff)
	}
}

func TestCalculateNewDifficultyNoChangeWithinVariance(t *testing.T) {
	v := testVarDiff()
	state := NewWorkerDiffState(1024)

	base := time.Now()
	state.RecordShare(base)
	state.RecordShare(base.Add(10 * time.Second))

	if _, changed := v.CalculateNewDifficulty(state); changed {
		t.Fatal("expected no difficulty change for a share rate within variance of target")
	}
}

func TestCalculateNewDifficultyClampsToConfiguredBounds(t *testing.T) {
	v := NewVarDiff(DifficultyConfig{
		InitialDifficulty: 10,
		MinDifficulty:     8,
		MaxDifficulty:     16,
		TargetShareTime:   10 * time.Second,
		VariancePercent:   10,
	})
	state := NewWorkerDiffState(10)

	base := time.Now()
	state.RecordShare(base)
	state.RecordShare(base.Add(1 * time.Millisecond))

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected a change given the extreme share rate")
	}
	if newDiff > 16 {
		t.Fatalf("expected difficulty clamped to max 16, got %v", newDiff)
	}
}
