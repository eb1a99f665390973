package jobmaker

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
)

func newTestJobMaker() (*JobMaker, *jobrepo.Repository) {
	repo := jobrepo.NewRepository(zap.NewNop(), nil)
	jm := New(Config{JobInterval: time.Second, ServerID: 7}, zap.NewNop(), repo)
	return jm, repo
}

func nonEmptyTemplate(height int64) *RawBlockTemplate {
	return &RawBlockTemplate{
		GbtHash:           "hash-at-height",
		CreatedAt:         time.Now(),
		PreviousBlockHash: "00",
		Height:            height,
		CurTime:           uint32(time.Now().Unix()),
		Bits:              0x1d00ffff,
		Version:           1,
		CoinbaseValue:     5000000000,
		Transactions: []TemplateTx{
			{Data: "aa", Hash: "abababababababababababababababababababababababababababababababab"[:64]},
		},
	}
}

func TestProcessRawGbtPublishesOnNewHeight(t *testing.T) {
	jm, repo := newTestJobMaker()

	tpl := nonEmptyTemplate(100)
	tpl.GbtHash = "g1"
	jm.ProcessRawGbt(tpl)

	latest := repo.GetLatestStratumJobEx()
	if latest == nil {
		t.Fatal("expected a job to be published for a new height")
	}
	if latest.Job.Height != 100 {
		t.Fatalf("expected height 100, got %d", latest.Job.Height)
	}
}

func TestJobIDMonotonicallyIncreasesOverTime(t *testing.T) {
	jm, repo := newTestJobMaker()

	tpl1 := nonEmptyTemplate(100)
	tpl1.GbtHash = "g1"
	jm.ProcessRawGbt(tpl1)
	first := repo.GetLatestStratumJobEx().Job.JobID

	tpl2 := nonEmptyTemplate(101)
	tpl2.GbtHash = "g2"
	tpl2.CreatedAt = tpl1.CreatedAt.Add(time.Second)
	jm.ProcessRawGbt(tpl2)
	second := repo.GetLatestStratumJobEx().Job.JobID

	if second <= first {
		t.Fatalf("expected monotonically increasing job ids, got %d then %d", first, second)
	}
}

func TestHeightRegressionAcceptedAfterGraceWindow(t *testing.T) {
	jm, repo := newTestJobMaker()

	tpl := nonEmptyTemplate(200)
	tpl.GbtHash = "g1"
	jm.ProcessRawGbt(tpl)

	// JobInterval is 1s, so the grace window is 2s; 5s later is past it but
	// well inside the 60s clock-skew tolerance.
	regressed := nonEmptyTemplate(150)
	regressed.GbtHash = "g2"
	regressed.CreatedAt = tpl.CreatedAt.Add(5 * time.Second)
	jm.ProcessRawGbt(regressed)

	if jm.templates.size() != 2 {
		t.Fatal("a height regression after the grace window must enter the template cache")
	}
	if repo.GetLatestStratumJobEx().Job.Height != 200 {
		t.Fatal("a lower height must not by itself trigger a new job")
	}
}

func TestHeightRegressionRejectedWithinGraceWindowWhenBestNonEmpty(t *testing.T) {
	jm, repo := newTestJobMaker()

	tpl := nonEmptyTemplate(200)
	tpl.GbtHash = "g1"
	jm.ProcessRawGbt(tpl)

	// The best is non-empty and the lower height arrives 1s later, inside
	// the 2s (2 × JobInterval) grace window, so it is discarded.
	regressed := nonEmptyTemplate(150)
	regressed.GbtHash = "g2"
	regressed.CreatedAt = tpl.CreatedAt.Add(time.Second)
	jm.ProcessRawGbt(regressed)

	if jm.templates.size() != 1 {
		t.Fatal("a height regression inside the grace window must not enter the template cache")
	}
	if repo.GetLatestStratumJobEx().Job.Height != 200 {
		t.Fatal("a non-empty best must not be regressed by a lower height inside the grace window")
	}
}

func TestDuplicateGbtHashIgnored(t *testing.T) {
	jm, repo := newTestJobMaker()

	tpl := nonEmptyTemplate(100)
	tpl.GbtHash = "same-hash"
	jm.ProcessRawGbt(tpl)
	firstJobID := repo.GetLatestStratumJobEx().Job.JobID

	dup := nonEmptyTemplate(100)
	dup.GbtHash = "same-hash"
	dup.CreatedAt = tpl.CreatedAt.Add(time.Second)
	jm.ProcessRawGbt(dup)

	if repo.GetLatestStratumJobEx().Job.JobID != firstJobID {
		t.Fatal("duplicate gbtHash must not produce a new job")
	}
}

func TestClockSkewRejected(t *testing.T) {
	jm, repo := newTestJobMaker()

	tpl := nonEmptyTemplate(100)
	tpl.GbtHash = "g1"
	tpl.CreatedAt = time.Now().Add(-time.Hour)
	jm.ProcessRawGbt(tpl)

	if repo.GetLatestStratumJobEx() != nil {
		t.Fatal("a template with excessive clock skew must be rejected")
	}
}

func TestCacheAlwaysRetainsAtLeastOneEntry(t *testing.T) {
	jm, _ := newTestJobMaker()
	jm.cfg.GbtLifeTime = time.Nanosecond
	jm.cfg.EmptyGbtLifeTime = time.Nanosecond

	tpl1 := nonEmptyTemplate(100)
	tpl1.GbtHash = "g1"
	jm.ProcessRawGbt(tpl1)

	tpl2 := nonEmptyTemplate(101)
	tpl2.GbtHash = "g2"
	tpl2.CreatedAt = tpl1.CreatedAt.Add(time.Second)
	jm.ProcessRawGbt(tpl2)

	if jm.templates.size() < 1 {
		t.Fatal("template cache must never evict its last entry")
	}
}

func TestMakeGbtKeyRejectsUnsafeHeight(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for height >= 0x7FFFFFFF")
		}
	}()
	makeGbtKey(0, false, 0x7FFFFFFF)
}
