package chainops

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/lodestar-pool/stratum-core/internal/bigmath"
	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/protocol"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"
)

// NicehashExtraNonce1Size is the NiceHash variant's fixed extraNonce1 width
// (open question resolution): unlike every other dialect, NICEHASH_STRATUM
// fixes this at subscribe time rather than letting the pool pick.
const NicehashExtraNonce1Size = 3

// nicehashops implements EthereumStratum/1.0.0 (NICEHASH_STRATUM), grounded
// on StratumSessionEth's NICEHASH_STRATUM branches: short hex job ids,
// resend-on-change difficulty, and a short (<=5 byte) miner nonce the pool
// prefixes with its own extraNonce1.
type nicehashops struct {
	repo        *jobrepo.Repository
	extraNonce1 string // NicehashExtraNonce1Size bytes, hex
	dup         sharepipeline.DuplicateShareChecker

	lastSentDiff float64
}

// NewNicehash constructs the NICEHASH_STRATUM dialect bound to one
// session's extraNonce1 (always NicehashExtraNonce1Size bytes). dup is the
// optional external DuplicateShareChecker; nil disables the check.
func NewNicehash(repo *jobrepo.Repository, extraNonce1 string, dup sharepipeline.DuplicateShareChecker) ChainOps {
	return &nicehashops{repo: repo, extraNonce1: extraNonce1, dup: dup}
}

// SubscribeResult renders the EthereumStratum/1.0.0 subscribe reply, per
// spec.md §8 scenario 2: a single-subscription array naming "mining.notify"
// plus the protocol string, followed by the session's extraNonce1 -- not
// the generic SHA256/ETH 3-element shape (no mining.set_difficulty
// subscription, no extranonce2Size: NiceHash negotiates difficulty and
// nonce sizing through its own fields instead).
func (o *nicehashops) SubscribeResult(extraNonce1 string, extranonce2Size int) any {
	return []any{
		[]any{"mining.notify", extraNonce1, "EthereumStratum/1.0.0"},
		extraNonce1,
	}
}

func (o *nicehashops) MakeNotify(job *jobrepo.StratumJobEx, isFirstJob bool) (string, any) {
	j := job.Job
	header := strip0x(j.HeaderHash)
	return "mining.notify", []any{fmt.Sprintf("%x", j.JobID&0xffffffff), header, header, job.IsClean || isFirstJob}
}

// PendingDifficultyChange reports whether diff differs from the last value
// sent to this miner, returning the mining.set_difficulty message to send
// first if so. The Session Engine must call this immediately before
// MakeNotify on every job change, mirroring
// sendMiningNotifyWithId's nicehashLastSentDiff_ comparison. The wire value
// is rescaled through Eth_DiffToNicehashDiff: NiceHash's
// EthereumStratum/1.0.0 clients expect a different unit than the pool's
// internal difficulty.
func (o *nicehashops) PendingDifficultyChange(diff float64) (method string, params any, changed bool) {
	if diff == o.lastSentDiff {
		return "", nil, false
	}
	o.lastSentDiff = diff
	scaled := niceHashDiffScaling(new(big.Int).SetUint64(uint64(diff)))
	return "mining.set_difficulty", protocol.SetDifficultyParams{Difficulty: float64(scaled.Int64())}, true
}

func (o *nicehashops) ParseSubmit(params json.RawMessage) (SubmitFields, error) {
	var arr []string
	if err := json.Unmarshal(params, &arr); err != nil {
		return SubmitFields{}, err
	}
	if len(arr) < 3 {
		return SubmitFields{}, errIllegalParams
	}
	jobID := arr[1]
	nonce := arr[2]
	// A short nonce arrives without the extraNonce1 prefix; the pool fills
	// it in. A full 8-byte (16 hex char) nonce is used as-is.
	if len(nonce) != 16 {
		nonce = o.extraNonce1 + nonce
	}
	return SubmitFields{
		WorkerName: arr[0],
		JobID:      jobID,
		Nonce:      nonce,
		Header:     jobID,
	}, nil
}

func (o *nicehashops) ValidateShare(ctx context.Context, s sharepipeline.Share, lj *sharepipeline.LocalJob) sharepipeline.Status {
	ex := o.repo.GetStratumJobEx(lj.JobID)
	if ex == nil {
		return sharepipeline.StatusJobNotFound
	}
	if dup, isDup := checkExternalDuplicate(ctx, o.dup, s); isDup {
		return dup
	}
	return ethValidate(ex, s, lj)
}

func (o *nicehashops) ClassifyStatus(status sharepipeline.Status) (accepted, solved bool) {
	return classify(status)
}

// niceHashDiffScaling wraps bigmath's NiceHash difficulty scaling;
// PendingDifficultyChange uses it to compute the value it sends.
func niceHashDiffScaling(diff *big.Int) *big.Int {
	return bigmath.Eth_DiffToNicehashDiff(diff)
}
