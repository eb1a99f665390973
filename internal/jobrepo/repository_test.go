package jobrepo

import (
	"testing"

	"go.uber.org/zap"
)

type recordingBroadcaster struct {
	got []*StratumJobEx
}

func (b *recordingBroadcaster) Broadcast(ex *StratumJobEx) {
	b.got = append(b.got, ex)
}

func TestAcceptMarksPreviousStale(t *testing.T) {
	bc := &recordingBroadcaster{}
	repo := NewRepository(zap.NewNop(), bc)

	first := repo.Accept(&StratumJob{JobID: 1, Height: 100}, true)
	if first.IsStale() {
		t.Fatal("freshly accepted job must not be stale")
	}

	second := repo.Accept(&StratumJob{JobID: 2, Height: 101}, true)
	if !first.IsStale() {
		t.Fatal("previous latest must be marked stale")
	}
	if second.IsStale() {
		t.Fatal("new latest must not be stale")
	}

	if repo.GetLatestStratumJobEx() != second {
		t.Fatal("latest must be the most recently accepted job")
	}
	if repo.GetStratumJobEx(1) != first {
		t.Fatal("previous job must remain reachable by id during grace period")
	}
	if len(bc.got) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(bc.got))
	}
}

func TestGetStratumJobExUnknown(t *testing.T) {
	repo := NewRepository(zap.NewNop(), nil)
	if repo.GetStratumJobEx(999) != nil {
		t.Fatal("unknown job id must return nil")
	}
}
