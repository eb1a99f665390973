package sharepipeline

import "testing"

func TestLocalJobMarkIfNewRejectsDuplicateTuple(t *testing.T) {
	lj := NewLocalJob(1, 0, 1024, 0x1d00ffff)

	tuple := LocalShareTuple{ExtraNonce2: "0000000000000001", NTime: 12345, VersionMask: 0}
	if !lj.MarkIfNew(tuple) {
		t.Fatal("first submission of a tuple must be accepted as new")
	}
	if lj.MarkIfNew(tuple) {
		t.Fatal("second identical submission must be rejected as a duplicate")
	}

	other := LocalShareTuple{ExtraNonce2: "0000000000000002", NTime: 12345, VersionMask: 0}
	if !lj.MarkIfNew(other) {
		t.Fatal("a distinct tuple must still be accepted as new")
	}
}

func TestLocalJobRegistryEvictsOldestPastRetention(t *testing.T) {
	r := NewLocalJobRegistry(2)

	first := r.Push(100, 1, 0)
	r.Push(101, 1, 0)
	r.Push(102, 1, 0)

	if r.ByJobID(first.JobID) != nil {
		t.Fatal("expected the oldest job to be evicted once retention is exceeded")
	}
	if r.Latest().JobID != 102 {
		t.Fatalf("expected latest job id 102, got %d", r.Latest().JobID)
	}
	if r.ByJobID(101) == nil || r.ByJobID(102) == nil {
		t.Fatal("expected the two most recent jobs to remain reachable")
	}
}

func TestLocalJobRegistryByShortIDRotates(t *testing.T) {
	r := NewLocalJobRegistry(1)

	first := r.Push(1, 1, 0)
	if r.ByShortID(first.ShortJobID) != first {
		t.Fatal("expected to find the just-pushed job by its assigned short id")
	}

	second := r.Push(2, 1, 0)
	if r.ByShortID(first.ShortJobID) != nil {
		t.Fatal("expected the first job's short id to rotate out once retention is exceeded")
	}
	if r.ByShortID(second.ShortJobID) != second {
		t.Fatal("expected the second job to remain reachable by its short id")
	}
}
