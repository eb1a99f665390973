package sharepipeline

import "sync"

// DefaultLocalJobRetention is the per-dialect K in "keep the last K local
// jobs" (spec open question: retention is chain-dependent and not otherwise
// specified). SHA256-family sessions rotate jobs less often than ETH, so a
// shallower window is enough to cover in-flight shares; ETH keeps more to
// absorb its faster notify cadence.
const (
	DefaultLocalJobRetentionSHA256 = 8
	DefaultLocalJobRetentionEth    = 16
)

// LocalJob is a per-session projection of a StratumJob, owned exclusively by
// the session that created it.
type LocalJob struct {
	JobID         uint64
	ShortJobID    uint8
	MinerDiff     float64
	BlkBits       uint32
	mu            sync.Mutex
	seen          map[LocalShareTuple]struct{}
}

// NewLocalJob creates a LocalJob projection for jobID/shortJobID at the
// given miner difficulty and compact target.
func NewLocalJob(jobID uint64, shortJobID uint8, minerDiff float64, blkBits uint32) *LocalJob {
	return &LocalJob{
		JobID:      jobID,
		ShortJobID: shortJobID,
		MinerDiff:  minerDiff,
		BlkBits:    blkBits,
		seen:       make(map[LocalShareTuple]struct{}),
	}
}

// MarkIfNew records tuple as seen and reports whether it was new. A false
// return means this exact (extraNonce2, nTime, versionMask) combination was
// already submitted against this job — the caller must classify the share
// as DUPLICATE_SHARE.
func (lj *LocalJob) MarkIfNew(tuple LocalShareTuple) bool {
	lj.mu.Lock()
	defer lj.mu.Unlock()

	if _, ok := lj.seen[tuple]; ok {
		return false
	}
	lj.seen[tuple] = struct{}{}
	return true
}

// LocalJobRegistry is the bounded FIFO of LocalJobs a session retains,
// indexed by both the pool-wide jobId and the rotating shortJobId a miner
// echoes back on submit.
type LocalJobRegistry struct {
	mu        sync.Mutex
	retention int
	order     []*LocalJob
	byJobID   map[uint64]*LocalJob
	byShortID map[uint8]*LocalJob
	nextShort uint8
}

// NewLocalJobRegistry creates a registry retaining at most retention jobs.
func NewLocalJobRegistry(retention int) *LocalJobRegistry {
	if retention <= 0 {
		retention = DefaultLocalJobRetentionSHA256
	}
	return &LocalJobRegistry{
		retention: retention,
		byJobID:   make(map[uint64]*LocalJob),
		byShortID: make(map[uint8]*LocalJob),
	}
}

// Push adds a new LocalJob, assigning it the next rotating short id and
// evicting the oldest entry once the retention window is exceeded.
func (r *LocalJobRegistry) Push(jobID uint64, minerDiff float64, blkBits uint32) *LocalJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	shortID := r.nextShort
	r.nextShort++

	lj := NewLocalJob(jobID, shortID, minerDiff, blkBits)
	r.order = append(r.order, lj)
	r.byJobID[jobID] = lj
	r.byShortID[shortID] = lj

	for len(r.order) > r.retention {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.byJobID, oldest.JobID)
		delete(r.byShortID, oldest.ShortJobID)
	}

	return lj
}

// ByShortID finds a LocalJob by the short id a miner echoed back, returning
// nil if it has rotated out of the retention window.
func (r *LocalJobRegistry) ByShortID(shortID uint8) *LocalJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byShortID[shortID]
}

// ByJobID finds a LocalJob by the pool-wide jobId.
func (r *LocalJobRegistry) ByJobID(jobID uint64) *LocalJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byJobID[jobID]
}

// Latest returns the most recently pushed LocalJob, or nil if empty.
func (r *LocalJobRegistry) Latest() *LocalJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return nil
	}
	return r.order[len(r.order)-1]
}
