package jobrepo

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GraceRetention is how long a superseded StratumJobEx remains reachable by
// jobId after a newer job is published, long enough to validate
// late-arriving shares against it.
const GraceRetention = 2 * time.Minute

// Broadcaster is implemented by the Session Engine: on each accepted new
// job the Repository calls Broadcast so every authenticated session gets a
// mining.notify. Kept as an interface (rather than a direct server import)
// to avoid the session<->server<->repository import cycle the design notes
// call out.
type Broadcaster interface {
	Broadcast(ex *StratumJobEx)
}

// Publisher is the external job-publication-topic sink: a serialized job
// this sserver accepted is handed off so every other sserver instance's Job
// Repository can pick it up. A concrete Redis-backed implementation lives
// in internal/storage.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// Repository is the per-sserver in-memory index of live jobs.
type Repository struct {
	logger      *zap.Logger
	broadcaster Broadcaster
	publisher   Publisher

	mu       sync.RWMutex
	latest   *StratumJobEx
	byID     map[uint64]*StratumJobEx
	expireAt map[uint64]time.Time
}

// NewRepository creates an empty job repository.
func NewRepository(logger *zap.Logger, broadcaster Broadcaster) *Repository {
	return &Repository{
		logger:      logger.Named("jobrepo"),
		broadcaster: broadcaster,
		byID:        make(map[uint64]*StratumJobEx),
		expireAt:    make(map[uint64]time.Time),
	}
}

// SetPublisher attaches the job-topic publisher used by Accept. Optional;
// a repository with no publisher simply skips the external fan-out.
func (r *Repository) SetPublisher(p Publisher) {
	r.publisher = p
}

// Accept installs job as the new latest StratumJobEx: marks the previous
// latest stale, indexes the new one, and fans it out via the Broadcaster
// and the job-topic Publisher.
func (r *Repository) Accept(job *StratumJob, isClean bool) *StratumJobEx {
	ex := NewStratumJobEx(job, isClean)

	r.mu.Lock()
	prev := r.latest
	if prev != nil {
		prev.MarkStale()
		r.expireAt[prev.Job.JobID] = time.Now().Add(GraceRetention)
	}
	r.latest = ex
	r.byID[job.JobID] = ex
	r.evictExpiredLocked()
	r.mu.Unlock()

	r.logger.Debug("accepted new stratum job",
		zap.Uint64("job_id", job.JobID),
		zap.Int64("height", job.Height),
		zap.Bool("clean", isClean),
	)

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(ex)
	}
	if r.publisher != nil {
		if payload, err := ex.ToJSON(); err != nil {
			r.logger.Error("failed to serialize job for publication", zap.Error(err))
		} else if err := r.publisher.Publish(context.Background(), payload); err != nil {
			r.logger.Warn("failed to publish job to topic", zap.Error(err))
		}
	}
	return ex
}

// AcceptRemote installs a job received from the job-publication topic
// (i.e. produced by a Job Maker running in a different process) without
// re-publishing it, avoiding an infinite broadcast loop across instances.
func (r *Repository) AcceptRemote(payload []byte) {
	job, isClean, err := ParseJobJSON(payload)
	if err != nil {
		r.logger.Warn("dropping malformed job-topic message", zap.Error(err))
		return
	}

	ex := NewStratumJobEx(job, isClean)
	r.mu.Lock()
	prev := r.latest
	if prev != nil {
		if job.JobID <= prev.Job.JobID {
			r.mu.Unlock()
			return
		}
		prev.MarkStale()
		r.expireAt[prev.Job.JobID] = time.Now().Add(GraceRetention)
	}
	r.latest = ex
	r.byID[job.JobID] = ex
	r.evictExpiredLocked()
	r.mu.Unlock()

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(ex)
	}
}

// GetLatestStratumJobEx returns the current latest job, or nil if none has
// been published yet.
func (r *Repository) GetLatestStratumJobEx() *StratumJobEx {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// GetStratumJobEx looks up a job by id, honoring the grace-period retention
// window for superseded jobs.
func (r *Repository) GetStratumJobEx(jobID uint64) *StratumJobEx {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[jobID]
}

// evictExpiredLocked drops jobs past their grace window. Must be called
// with r.mu held for writing.
func (r *Repository) evictExpiredLocked() {
	now := time.Now()
	for id, exp := range r.expireAt {
		if now.After(exp) {
			delete(r.byID, id)
			delete(r.expireAt, id)
		}
	}
}
