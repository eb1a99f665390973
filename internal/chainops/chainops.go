// Package chainops supplies the per-dialect strategy object the Session
// Engine uses instead of a class hierarchy: one ChainOps implementation per
// wire dialect, selected once at subscribe time and held for the life of
// the session.
package chainops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"
)

// SubmitFields is the dialect-normalized result of parsing one
// mining.submit / eth_submitWork call.
type SubmitFields struct {
	WorkerName  string // STRATUM-family submissions carry the worker name in params[0]
	JobID       string // raw token as submitted, before short-id/"0x" normalization
	ExtraNonce2 string
	NTime       string
	Nonce       string
	VersionMask string
	Header      string // ETH-family: the block header hash, "0x"-prefixed
	MixHash     string // ETH-family: submitted mix hash (recomputed, not trusted)
}

// ChainOps is the capability set a dialect must provide. The core holds a
// ChainOps as an opaque field rather than switching on a protocol enum, so
// adding a dialect never touches the Session Engine.
type ChainOps interface {
	// SubscribeResult renders the mining.subscribe response for this
	// dialect, dispatched the same way MakeNotify is: each dialect owns
	// the shape of its own wire reply rather than the Session Engine
	// hardcoding a per-dialect literal. extranonce2Size is only
	// meaningful to dialects that echo it (SHA256/generic ETH); NiceHash
	// and ETHPROXY ignore it.
	SubscribeResult(extraNonce1 string, extranonce2Size int) any
	// MakeNotify renders the wire message(s) for the current best job.
	// method is "" when a dialect sends no notify push at all (ETHPROXY,
	// whose miners poll eth_getWork instead).
	MakeNotify(job *jobrepo.StratumJobEx, isFirstJob bool) (method string, params any)
	ParseSubmit(params json.RawMessage) (SubmitFields, error)
	ValidateShare(ctx context.Context, s sharepipeline.Share, lj *sharepipeline.LocalJob) sharepipeline.Status
	ClassifyStatus(status sharepipeline.Status) (accepted, solved bool)
}

func classify(status sharepipeline.Status) (accepted, solved bool) {
	return sharepipeline.IsAccepted(status), sharepipeline.IsSolved(status)
}

// checkExternalDuplicate consults the optional Bloom-like
// DuplicateShareChecker §4.3 allows ETH-family dialects to layer on top of
// their in-session LocalJob seen-set. A nil dup disables the check. The key
// covers exactly the fields a duplicate submission would repeat: job,
// worker, header/mix material and nonce.
func checkExternalDuplicate(ctx context.Context, dup sharepipeline.DuplicateShareChecker, s sharepipeline.Share) (sharepipeline.Status, bool) {
	if dup == nil {
		return 0, false
	}
	key := fmt.Sprintf("%s:%d:%d:%x:%x:%d", s.Chain, s.JobID, s.WorkerKey.WorkerHashID, s.EthHeaderHash, s.EthMixHash, s.EthNonce)
	isDup, err := dup.CheckAndSet(ctx, key)
	if err != nil || !isDup {
		return 0, false
	}
	return sharepipeline.StatusDuplicateShare, true
}
