// Package worker resolves Stratum logins into stable worker identities and
// tracks per-worker share statistics and adaptive difficulty state.
package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/lodestar-pool/stratum-core/internal/protocol"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"
	"github.com/lodestar-pool/stratum-core/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_workers",
		Help: "Number of active workers",
	})

	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_worker_hashrate",
		Help: "Estimated hashrate per worker",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerHashrate)
}

// Worker is one registered pool account/worker pair, identified by the
// WorkerKey the User Authenticator resolves it to.
type Worker struct {
	Key            sharepipeline.WorkerKey
	FullName       string
	Address        string
	ConnectedAt    time.Time
	LastActivityAt time.Time

	Shares    *sharepipeline.WorkerShares
	DiffState *protocol.WorkerDiffState

	mu       sync.RWMutex
	hashrate float64
}

// Manager resolves logins, and tracks worker statistics and VarDiff state.
// It implements sharepipeline.UserAuthenticator so the Session Engine can
// use it directly as the authorize collaborator.
type Manager struct {
	logger   *zap.Logger
	redis    *storage.RedisClient
	postgres *storage.PostgresClient
	varDiff  *protocol.VarDiff

	mu    sync.RWMutex
	byKey map[sharepipeline.WorkerKey]*Worker
}

// NewManager creates a worker manager bound to the pool's VarDiff policy
// and its Redis/Postgres persistence collaborators.
func NewManager(logger *zap.Logger, cfg protocol.DifficultyConfig, redis *storage.RedisClient, postgres *storage.PostgresClient) *Manager {
	return &Manager{
		logger:   logger.Named("worker"),
		redis:    redis,
		postgres: postgres,
		varDiff:  protocol.NewVarDiff(cfg),
		byKey:    make(map[sharepipeline.WorkerKey]*Worker),
	}
}

// Authorize resolves a Stratum "user.worker" login to a stable WorkerKey,
// satisfying sharepipeline.UserAuthenticator. The userId is derived from
// the account portion of fullName (before the first '.'); the
// workerHashId is a stable hash of the full login string, mirroring the
// teacher's name-as-identity scheme without requiring a prior database
// round trip on the hot path.
func (m *Manager) Authorize(ctx context.Context, fullName, password string) (sharepipeline.WorkerKey, error) {
	account := fullName
	for i, c := range fullName {
		if c == '.' {
			account = fullName[:i]
			break
		}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(account))
	userID := int32(h.Sum32())

	h2 := fnv.New64a()
	_, _ = h2.Write([]byte(fullName))
	workerHashID := int64(h2.Sum64())

	key := sharepipeline.WorkerKey{UserID: userID, WorkerHashID: workerHashID}

	m.mu.Lock()
	w, exists := m.byKey[key]
	if !exists {
		w = &Worker{
			Key:            key,
			FullName:       fullName,
			ConnectedAt:    time.Now(),
			LastActivityAt: time.Now(),
			Shares:         sharepipeline.NewWorkerShares(),
			DiffState:      protocol.NewWorkerDiffState(m.varDiff.InitialDifficulty()),
		}
		m.byKey[key] = w
		activeWorkers.Inc()
	}
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.redis.AddOnlineWorker(ctx, fullName); err != nil {
			m.logger.Warn("failed to add worker to redis", zap.String("worker", fullName), zap.Error(err))
		}
	}
	if m.postgres != nil {
		if err := m.postgres.UpsertWorker(ctx, &storage.Worker{
			Name:        fullName,
			Address:     "",
			FirstSeenAt: w.ConnectedAt,
			LastSeenAt:  time.Now(),
		}); err != nil {
			m.logger.Warn("failed to upsert worker", zap.String("worker", fullName), zap.Error(err))
		}
	}

	m.logger.Info("worker authorized", zap.String("worker", fullName), zap.Int32("user_id", userID))
	return key, nil
}

// Get returns a tracked worker by key, or nil if it was never authorized.
func (m *Manager) Get(key sharepipeline.WorkerKey) *Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byKey[key]
}

// RecordShare updates a worker's counters and VarDiff integration window
// for one classified submission.
func (m *Manager) RecordShare(ctx context.Context, key sharepipeline.WorkerKey, accepted bool, ip string, at time.Time) {
	w := m.Get(key)
	if w == nil {
		return
	}
	w.mu.Lock()
	w.LastActivityAt = at
	w.mu.Unlock()

	if accepted {
		w.Shares.RecordAccept(at, ip)
		w.DiffState.RecordShare(at)
		m.updateHashrate(w)
		if m.redis != nil {
			go m.redis.IncrementWorkerShares(ctx, w.FullName, true)
		}
	} else {
		w.Shares.RecordReject(at)
		if m.redis != nil {
			go m.redis.IncrementWorkerShares(ctx, w.FullName, false)
		}
	}
}

func (m *Manager) updateHashrate(w *Worker) {
	avg := w.DiffState.GetAverageShareTime()
	if avg <= 0 {
		return
	}
	w.mu.Lock()
	diff := w.DiffState.CurrentDifficulty
	w.hashrate = diff * 4294967296.0 / avg.Seconds()
	hr := w.hashrate
	w.mu.Unlock()
	workerHashrate.WithLabelValues(w.FullName).Set(hr)
}

// CheckVarDiff evaluates whether w's difficulty should retarget, returning
// (newDiff, true) if it changed. The caller (Session Engine) is
// responsible for pushing the new value before the next mining.notify.
func (m *Manager) CheckVarDiff(ctx context.Context, key sharepipeline.WorkerKey) (float64, bool) {
	w := m.Get(key)
	if w == nil {
		return 0, false
	}
	if !m.varDiff.ShouldRetarget(w.DiffState) {
		return 0, false
	}
	newDiff, changed := m.varDiff.CalculateNewDifficulty(w.DiffState)
	if !changed {
		return 0, false
	}
	if m.redis != nil {
		go m.redis.SetWorkerDifficulty(ctx, w.FullName, newDiff)
	}
	return newDiff, true
}

// SuggestMinimumDifficulty applies a mining.configure minimum-difficulty
// floor by raising w's current difficulty to floor if it is below it. The
// floor is not stored: later VarDiff retargets are bounded only by the
// pool-wide MinDifficulty and can go below it.
func (m *Manager) SuggestMinimumDifficulty(key sharepipeline.WorkerKey, floor float64) {
	w := m.Get(key)
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.DiffState.CurrentDifficulty < floor {
		w.DiffState.CurrentDifficulty = floor
	}
}

// Disconnect removes w's tracking state and persists its final tallies.
func (m *Manager) Disconnect(ctx context.Context, key sharepipeline.WorkerKey) {
	m.mu.Lock()
	w, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	activeWorkers.Dec()

	if m.redis != nil {
		if err := m.redis.RemoveOnlineWorker(ctx, w.FullName); err != nil {
			m.logger.Warn("failed to remove worker from redis", zap.String("worker", w.FullName), zap.Error(err))
		}
	}
	if m.postgres != nil {
		if err := m.postgres.UpdateWorkerLastSeen(ctx, w.FullName, w.LastActivityAt); err != nil {
			m.logger.Warn("failed to update worker last seen", zap.String("worker", w.FullName), zap.Error(err))
		}
	}

	m.logger.Info("worker disconnected",
		zap.String("worker", w.FullName),
		zap.Int64("accepted_shares", w.Shares.CumulativeAccept()),
	)
}

// Count returns the number of currently tracked workers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

// CleanupInactive disconnects workers idle past timeout.
func (m *Manager) CleanupInactive(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	m.mu.RLock()
	var stale []sharepipeline.WorkerKey
	for k, w := range m.byKey {
		w.mu.RLock()
		idle := w.LastActivityAt.Before(cutoff)
		w.mu.RUnlock()
		if idle {
			stale = append(stale, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range stale {
		m.Disconnect(ctx, k)
	}
}
