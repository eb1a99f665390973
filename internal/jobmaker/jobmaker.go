// Package jobmaker turns the three upstream work streams (raw block
// templates, merge-mined auxiliary work, and RSK sidechain work) into the
// canonical StratumJob the rest of the pool publishes to miners.
package jobmaker

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/pkg/crypto"
)

// Config controls the Job Maker's timing and identity parameters.
type Config struct {
	JobInterval       time.Duration
	GbtLifeTime       time.Duration
	EmptyGbtLifeTime  time.Duration
	ServerID          uint8
	PoolCoinbaseTag   string
	// MergeMiningPolicy selects how a merge-mining update triggers a new
	// job. For RSK sidechain work, 1 republishes only when the upstream
	// notify flag is set and 2 whenever the work hash changes. Aux-pow work
	// carries no notify flag: under 1 every aux update republishes, under 2
	// only one whose hash changed.
	MergeMiningPolicy int
}

func (c Config) withDefaults() Config {
	if c.JobInterval <= 0 {
		c.JobInterval = 20 * time.Second
	}
	if c.GbtLifeTime <= 0 {
		c.GbtLifeTime = 90 * time.Second
	}
	if c.EmptyGbtLifeTime <= 0 {
		c.EmptyGbtLifeTime = 120 * time.Second
	}
	if c.PoolCoinbaseTag == "" {
		c.PoolCoinbaseTag = "/lodestar/"
	}
	if c.MergeMiningPolicy == 0 {
		c.MergeMiningPolicy = 1
	}
	return c
}

// JobMaker owns the template cache and produces StratumJobs for the
// Repository to publish. Aux-pow state and sidechain state are guarded by
// separate mutexes that are never held together, mirroring the upstream
// no-combined-lock discipline.
type JobMaker struct {
	cfg    Config
	logger *zap.Logger
	repo   *jobrepo.Repository

	templates *templateCache

	bestHeight   int64
	bestGbtTime  uint32
	bestIsEmpty  bool

	auxMu  sync.Mutex
	auxSet map[uint32]AuxBlock

	sidechainMu  sync.Mutex
	sidechain    *RskGetWork
	sidechainSet bool

	jobIDMu   sync.Mutex
	lastJobID uint64

	timerStop chan struct{}
	timerOnce sync.Once
}

// New constructs a JobMaker publishing accepted jobs into repo.
func New(cfg Config, logger *zap.Logger, repo *jobrepo.Repository) *JobMaker {
	return &JobMaker{
		cfg:       cfg.withDefaults(),
		logger:    logger.Named("jobmaker"),
		repo:      repo,
		templates: newTemplateCache(),
		auxSet:    make(map[uint32]AuxBlock),
	}
}

// StartTimer runs the jobInterval-based republish trigger until Stop is
// called. Safe to call at most once.
func (jm *JobMaker) StartTimer() {
	jm.timerOnce.Do(func() {
		jm.timerStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(jm.cfg.JobInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					jm.republishIfTimedOut()
				case <-jm.timerStop:
					return
				}
			}
		}()
	})
}

// Stop halts the background timer goroutine, if running.
func (jm *JobMaker) Stop() {
	if jm.timerStop != nil {
		close(jm.timerStop)
	}
}

// ProcessRawGbt ingests one getblocktemplate response. It rejects templates
// with excessive clock skew, and templates that regress height while the
// current best is non-empty and less than 2 × JobInterval has passed since
// it arrived (the grace window); after the grace window a lower height is
// accepted. It then republishes if the new template supersedes the current
// best.
func (jm *JobMaker) ProcessRawGbt(tpl *RawBlockTemplate) {
	now := time.Now()
	gbtTime := uint32(tpl.CreatedAt.Unix())
	nowUnix := uint32(now.Unix())

	if absDiff(nowUnix, gbtTime) >= clockSkewToleranceSeconds {
		jm.logger.Warn("rejecting raw template: clock skew too large",
			zap.Int64("height", tpl.Height),
			zap.Uint32("gbt_time", gbtTime),
			zap.Uint32("now", nowUnix),
		)
		return
	}

	isEmpty := tpl.IsEmpty()

	if jm.templates.size() > 0 {
		bestHeight := jm.bestHeight
		bestIsEmpty := jm.bestIsEmpty
		bestTime := jm.bestGbtTime
		if tpl.Height < bestHeight {
			withinGrace := !bestIsEmpty && int64(gbtTime)-int64(bestTime) < 2*int64(jm.cfg.JobInterval/time.Second)
			if withinGrace {
				jm.logger.Debug("rejecting raw template: height regressed inside grace window",
					zap.Int64("new_height", tpl.Height),
					zap.Int64("best_height", bestHeight),
				)
				return
			}
		}
	}

	key := makeGbtKey(gbtTime, isEmpty, uint32(tpl.Height))
	if !jm.templates.insert(key, tpl.GbtHash, tpl) {
		jm.logger.Debug("rejecting raw template: duplicate gbtHash", zap.String("gbt_hash", tpl.GbtHash))
		return
	}

	isFindNewHeight := tpl.Height > jm.bestHeight
	needUpdateEmptyBlockJob := tpl.Height == jm.bestHeight && jm.bestIsEmpty && !isEmpty

	jm.bestHeight = tpl.Height
	jm.bestGbtTime = gbtTime
	jm.bestIsEmpty = isEmpty

	jm.templates.evictExpired(nowUnix, uint32(jm.cfg.GbtLifeTime/time.Second), uint32(jm.cfg.EmptyGbtLifeTime/time.Second))

	if isFindNewHeight || needUpdateEmptyBlockJob {
		jm.publishBest()
	}
}

// ProcessAuxPow ingests one merge-mined auxiliary chain's pending work.
func (jm *JobMaker) ProcessAuxPow(aux AuxBlock) {
	jm.auxMu.Lock()
	prev, existed := jm.auxSet[aux.ChainID]
	jm.auxSet[aux.ChainID] = aux
	jm.auxMu.Unlock()

	if jm.cfg.MergeMiningPolicy == 2 && existed && prev.Hash == aux.Hash {
		return
	}
	jm.publishBest()
}

// ProcessRskGw ingests one RSK getwork update. Under merge-mining policy 1
// a republish fires only when the upstream notify flag accompanies the
// update; under policy 2 it fires whenever the work hash changes.
func (jm *JobMaker) ProcessRskGw(gw RskGetWork) {
	jm.sidechainMu.Lock()
	hashChanged := !jm.sidechainSet || jm.sidechain.BlockHash != gw.BlockHash
	jm.sidechain = &gw
	jm.sidechainSet = true
	jm.sidechainMu.Unlock()

	switch jm.cfg.MergeMiningPolicy {
	case 2:
		if !hashChanged {
			return
		}
	default:
		if !gw.NotifyFlag {
			return
		}
	}
	jm.publishBest()
}

func (jm *JobMaker) republishIfTimedOut() {
	jm.publishBest()
}

// publishBest assembles a StratumJob from the current best template plus
// whatever aux-pow/sidechain state is available and hands it to the
// repository. The aux and sidechain mutexes are acquired and released
// independently; they are never held at the same time.
func (jm *JobMaker) publishBest() {
	best := jm.templates.best()
	if best == nil {
		return
	}

	var auxRoot []byte
	jm.auxMu.Lock()
	if len(jm.auxSet) > 0 {
		auxRoot = jm.computeAuxMerkleRootLocked()
	}
	jm.auxMu.Unlock()

	var sidechainHash []byte
	jm.sidechainMu.Lock()
	if jm.sidechainSet {
		if raw, err := hex.DecodeString(jm.sidechain.BlockHash); err == nil {
			sidechainHash = raw
		}
	}
	jm.sidechainMu.Unlock()

	job := jm.assembleJob(best, auxRoot, sidechainHash)
	jm.repo.Accept(job, !best.template.IsEmpty())
}

// computeAuxMerkleRootLocked must be called with auxMu held.
func (jm *JobMaker) computeAuxMerkleRootLocked() []byte {
	hashes := make([][]byte, 0, len(jm.auxSet))
	for _, a := range jm.auxSet {
		raw, err := hex.DecodeString(a.Hash)
		if err != nil {
			continue
		}
		hashes = append(hashes, raw)
	}
	if len(hashes) == 0 {
		return nil
	}
	return crypto.MerkleRoot(hashes)
}

func (jm *JobMaker) assembleJob(best *rawTemplate, auxRoot []byte, sidechainHash []byte) *jobrepo.StratumJob {
	tpl := best.template
	branch, err := merkleBranch(txHashes(tpl.Transactions))
	if err != nil {
		jm.logger.Error("failed to compute merkle branch, publishing with empty branch", zap.Error(err))
		branch = nil
	}

	parts := buildCoinbase(tpl.Height, tpl.CoinbaseValue, jm.cfg.PoolCoinbaseTag, auxRoot, uint32(len(jm.auxSet)), 0, sidechainHash)

	return &jobrepo.StratumJob{
		JobID:               jm.makeJobID(best.gbtHash),
		IsMergedMiningClean: auxRoot != nil,
		NetworkTarget:       crypto.NBitsToTarget(tpl.Bits),
		PrevHash:            tpl.PreviousBlockHash,
		Height:              tpl.Height,
		Coinbase1:           parts.Coinbase1,
		Coinbase2:           parts.Coinbase2,
		MerkleBranch:        branch,
		NVersion:            tpl.Version,
		NBits:               tpl.Bits,
		NTime:               tpl.CurTime,
		MinTime:             tpl.MinTime,
		WitnessCommitment:   tpl.WitnessCommitment,
		CreatedAt:           time.Now(),
	}
}

// makeJobID packs (unix_seconds, a 24-bit digest of gbtHash, serverId) into
// the externally-visible job identifier, per the data model's jobId layout.
// The hash24 component has no relation to publish order, so two jobs
// published within the same wall-clock second can otherwise land in either
// order; makeJobID enforces the §8 "Job ID monotonicity" invariant
// explicitly by never returning a value less than or equal to the last one
// it handed out, bumping the candidate forward when a same-second
// collision would otherwise regress it.
func (jm *JobMaker) makeJobID(gbtHash string) uint64 {
	sum := sha256.Sum256([]byte(gbtHash))
	hash24 := uint64(sum[0])<<16 | uint64(sum[1])<<8 | uint64(sum[2])
	sec := uint64(time.Now().Unix())
	candidate := (sec << 32) | (hash24 << 8) | uint64(jm.cfg.ServerID)

	jm.jobIDMu.Lock()
	defer jm.jobIDMu.Unlock()
	if candidate <= jm.lastJobID {
		candidate = jm.lastJobID + 1
	}
	jm.lastJobID = candidate
	return candidate
}

func txHashes(txs []TemplateTx) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.Hash
	}
	return out
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
