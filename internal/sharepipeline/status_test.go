package sharepipeline

import "testing"

// allStatuses enumerates the closed status set per spec.md §7, used to
// check that IsAccepted/IsSolved partition it as documented rather than
// drifting silently as statuses are added.
var allStatuses = []Status{
	StatusAccept,
	StatusAcceptStale,
	StatusSolved,
	StatusSolvedStale,
	StatusRejectNoReason,
	StatusJobNotFound,
	StatusDuplicateShare,
	StatusLowDifficulty,
	StatusUnauthorized,
	StatusNotSubscribed,
	StatusIllegalParams,
	StatusInvalidUsername,
	StatusClientIsNotSwitcher,
}

func TestIsSolvedImpliesIsAccepted(t *testing.T) {
	for _, s := range allStatuses {
		if IsSolved(s) && !IsAccepted(s) {
			t.Fatalf("status %s: solved shares must also be accepted", s)
		}
	}
}

func TestIsAcceptedPartition(t *testing.T) {
	accepted := map[Status]bool{
		StatusAccept:      true,
		StatusAcceptStale: true,
		StatusSolved:      true,
		StatusSolvedStale: true,
	}
	for _, s := range allStatuses {
		want := accepted[s]
		if got := IsAccepted(s); got != want {
			t.Fatalf("IsAccepted(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestStatusStringsAreDistinctAndNonEmpty(t *testing.T) {
	seen := make(map[string]Status)
	for _, s := range allStatuses {
		str := s.String()
		if str == "" || str == "UNKNOWN" {
			t.Fatalf("status %d has no distinct String() representation", s)
		}
		if other, ok := seen[str]; ok {
			t.Fatalf("status %d and %d both render as %q", s, other, str)
		}
		seen[str] = s
	}
}
