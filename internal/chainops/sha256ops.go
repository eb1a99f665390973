package chainops

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/protocol"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"
	"github.com/lodestar-pool/stratum-core/pkg/crypto"
)

// sha256ops implements the generic SHA256 Bitcoin-like Stratum dialect,
// grounded on the teacher's connection.go handleSubscribe/handleSubmit and
// share-validation shape.
type sha256ops struct {
	repo        *jobrepo.Repository
	extraNonce1 string // hex, session-unique
}

// NewSHA256 constructs the generic SHA256 dialect bound to one session's
// extraNonce1 and the shared job repository.
func NewSHA256(repo *jobrepo.Repository, extraNonce1 string) ChainOps {
	return &sha256ops{repo: repo, extraNonce1: extraNonce1}
}

// SubscribeResult renders the generic Stratum mining.subscribe reply: a
// 3-element tuple of (subscriptions, extranonce1, extranonce2Size), per
// spec.md §8 scenario 1's literal fixture.
func (o *sha256ops) SubscribeResult(extraNonce1 string, extranonce2Size int) any {
	return []any{
		[][]any{{"mining.set_difficulty", extraNonce1}, {"mining.notify", extraNonce1}},
		extraNonce1,
		extranonce2Size,
	}
}

func (o *sha256ops) MakeNotify(job *jobrepo.StratumJobEx, isFirstJob bool) (string, any) {
	j := job.Job
	params := protocol.NotifyParams{
		JobID:          fmt.Sprintf("%x", j.JobID),
		PrevBlockHash:  j.PrevHash,
		Coinbase1:      j.Coinbase1,
		Coinbase2:      j.Coinbase2,
		MerkleBranches: j.MerkleBranch,
		Version:        fmt.Sprintf("%08x", j.NVersion),
		NBits:          fmt.Sprintf("%08x", j.NBits),
		NTime:          fmt.Sprintf("%08x", j.NTime),
		CleanJobs:      job.IsClean || isFirstJob,
	}
	return "mining.notify", params
}

func (o *sha256ops) ParseSubmit(params json.RawMessage) (SubmitFields, error) {
	p, err := protocol.ParseSubmitParams(params)
	if err != nil {
		return SubmitFields{}, err
	}
	return SubmitFields{
		WorkerName:  p.WorkerName,
		JobID:       p.JobID,
		ExtraNonce2: p.Extranonce2,
		NTime:       p.NTime,
		Nonce:       p.Nonce,
		VersionMask: p.VersionBits,
	}, nil
}

// ValidateShare rebuilds the 80-byte block header from the job's coinbase
// and merkle branch plus the submitted nonce material, then recomputes
// double-SHA256 and classifies the result against the job's share and
// network targets.
func (o *sha256ops) ValidateShare(ctx context.Context, s sharepipeline.Share, lj *sharepipeline.LocalJob) sharepipeline.Status {
	ex := o.repo.GetStratumJobEx(lj.JobID)
	if ex == nil {
		return sharepipeline.StatusJobNotFound
	}
	job := ex.Job

	coinbase1, err := hex.DecodeString(job.Coinbase1)
	if err != nil {
		return sharepipeline.StatusIllegalParams
	}
	coinbase2, err := hex.DecodeString(job.Coinbase2)
	if err != nil {
		return sharepipeline.StatusIllegalParams
	}
	extraNonce1, err := hex.DecodeString(o.extraNonce1)
	if err != nil {
		return sharepipeline.StatusIllegalParams
	}

	coinbase := make([]byte, 0, len(coinbase1)+len(extraNonce1)+len(s.ExtraNonce2)+len(coinbase2))
	coinbase = append(coinbase, coinbase1...)
	coinbase = append(coinbase, extraNonce1...)
	coinbase = append(coinbase, s.ExtraNonce2...)
	coinbase = append(coinbase, coinbase2...)
	coinbaseHash := crypto.DoubleSHA256(coinbase)

	branches := make([][]byte, len(job.MerkleBranch))
	for i, b := range job.MerkleBranch {
		raw, err := hex.DecodeString(b)
		if err != nil {
			return sharepipeline.StatusIllegalParams
		}
		branches[i] = raw
	}
	merkleRoot := crypto.CalculateMerkleRootWithCoinbase(coinbaseHash, branches)

	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[0:4], job.NVersion|s.VersionMask)
	prevHash, err := hex.DecodeString(job.PrevHash)
	if err != nil || len(prevHash) != 32 {
		return sharepipeline.StatusIllegalParams
	}
	copy(header[4:36], crypto.ReverseBytes(prevHash))
	copy(header[36:68], crypto.ReverseBytes(merkleRoot))
	binary.LittleEndian.PutUint32(header[68:72], s.NTime)
	binary.LittleEndian.PutUint32(header[72:76], job.NBits)
	binary.LittleEndian.PutUint32(header[76:80], s.Nonce)

	hash := crypto.ReverseBytes(crypto.DoubleSHA256(header))

	shareTarget := crypto.DifficultyToTarget(s.ShareDiff)
	if !crypto.HashMeetsTarget(hash, shareTarget) {
		return sharepipeline.StatusLowDifficulty
	}

	isStale := ex.IsStale()
	if crypto.HashMeetsTarget(hash, job.NetworkTarget) {
		if isStale {
			return sharepipeline.StatusSolvedStale
		}
		return sharepipeline.StatusSolved
	}
	if isStale {
		return sharepipeline.StatusAcceptStale
	}
	return sharepipeline.StatusAccept
}

func (o *sha256ops) ClassifyStatus(status sharepipeline.Status) (accepted, solved bool) {
	return classify(status)
}
