package chainops

import (
	"context"
	"encoding/json"

	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"
)

// ethproxyops implements the ETHPROXY (Claymore-style) dialect: no
// mining.subscribe/mining.notify at all, instead eth_submitLogin once and
// eth_getWork polled by the miner, with eth_submitWork carrying the result.
// Grounded on StratumSessionEth's ETHPROXY branch in
// original_source/src/StratumSessionEth.cc.
type ethproxyops struct {
	repo *jobrepo.Repository
	dup  sharepipeline.DuplicateShareChecker
}

// NewEthproxy constructs the ETHPROXY dialect. dup is the optional external
// DuplicateShareChecker; nil disables the check.
func NewEthproxy(repo *jobrepo.Repository, dup sharepipeline.DuplicateShareChecker) ChainOps {
	return &ethproxyops{repo: repo, dup: dup}
}

// SubscribeResult is never sent: ETHPROXY miners open with
// eth_submitLogin, not mining.subscribe. Present only to satisfy ChainOps.
func (o *ethproxyops) SubscribeResult(extraNonce1 string, extranonce2Size int) any {
	return nil
}

// MakeNotify returns no wire message: ETHPROXY has no notify push, the
// miner polls eth_getWork instead. The Session Engine's GetWork handler
// reads the latest job directly from the repository.
func (o *ethproxyops) MakeNotify(job *jobrepo.StratumJobEx, isFirstJob bool) (string, any) {
	return "", nil
}

// GetWork renders the eth_getWork response tuple: (header, seed,
// compact-target, startNoncePrefix), where startNoncePrefix lets the miner
// avoid nonce collisions with other sessions sharing the same job.
func (o *ethproxyops) GetWork(job *jobrepo.StratumJobEx, extraNonce1 string) []string {
	j := job.Job
	return []string{
		"0x" + strip0x(j.HeaderHash),
		"0x" + strip0x(j.SeedHash),
		"0x" + strip0x(compactTargetHex(j.EthNetTarget)),
		"0x" + extraNonce1,
	}
}

func compactTargetHex(target string) string {
	if target == "" {
		return "0000000000000000000000000000000000000000000000000000000000000000"
	}
	return target
}

func (o *ethproxyops) ParseSubmit(params json.RawMessage) (SubmitFields, error) {
	var arr []string
	if err := json.Unmarshal(params, &arr); err != nil {
		return SubmitFields{}, err
	}
	if len(arr) < 3 {
		return SubmitFields{}, errIllegalParams
	}
	// eth_submitWork params: [nonce, headerHash, mixHash]; no worker name,
	// no embedded jobId -- the header hash IS the job identity.
	return SubmitFields{
		Nonce:   arr[0],
		Header:  arr[1],
		JobID:   strip0x(arr[1]),
		MixHash: arr[2],
	}, nil
}

func (o *ethproxyops) ValidateShare(ctx context.Context, s sharepipeline.Share, lj *sharepipeline.LocalJob) sharepipeline.Status {
	ex := o.repo.GetStratumJobEx(lj.JobID)
	if ex == nil {
		return sharepipeline.StatusJobNotFound
	}
	if dup, isDup := checkExternalDuplicate(ctx, o.dup, s); isDup {
		return dup
	}
	return ethValidate(ex, s, lj)
}

func (o *ethproxyops) ClassifyStatus(status sharepipeline.Status) (accepted, solved bool) {
	return classify(status)
}
