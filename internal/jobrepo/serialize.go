package jobrepo

import (
	"encoding/hex"
	"encoding/json"
)

// jobWire is the job publication topic's wire schema, per the
// serializeToJson contract: one JSON object per published stratum job.
type jobWire struct {
	JobID               uint64   `json:"jobId"`
	NetworkTarget       string   `json:"networkTarget,omitempty"`
	IsMergedMiningClean bool     `json:"mergedMiningClean"`
	IsClean             bool     `json:"isClean"`

	PrevHash          string   `json:"prevHash,omitempty"`
	Height            int64    `json:"height,omitempty"`
	Coinbase1         string   `json:"coinbase1,omitempty"`
	Coinbase2         string   `json:"coinbase2,omitempty"`
	MerkleBranch      []string `json:"merkleBranch,omitempty"`
	NVersion          uint32   `json:"nVersion,omitempty"`
	NBits             uint32   `json:"nBits,omitempty"`
	NTime             uint32   `json:"nTime,omitempty"`
	MinTime           uint32   `json:"minTime,omitempty"`
	WitnessCommitment string   `json:"witnessCommitment,omitempty"`
	MergeMiningTag    string   `json:"mergeMiningTag,omitempty"`
	SidechainTag      string   `json:"sidechainTag,omitempty"`

	HeaderHash   string `json:"headerHash,omitempty"`
	SeedHash     string `json:"seedHash,omitempty"`
	EthNetTarget string `json:"ethNetTarget,omitempty"`
}

// ToJSON serializes ex for publication to the job topic.
func (ex *StratumJobEx) ToJSON() ([]byte, error) {
	j := ex.Job
	w := jobWire{
		JobID:               j.JobID,
		NetworkTarget:       hexEncode(j.NetworkTarget),
		IsMergedMiningClean: j.IsMergedMiningClean,
		IsClean:             ex.IsClean,
		PrevHash:            j.PrevHash,
		Height:              j.Height,
		Coinbase1:           j.Coinbase1,
		Coinbase2:           j.Coinbase2,
		MerkleBranch:        j.MerkleBranch,
		NVersion:            j.NVersion,
		NBits:               j.NBits,
		NTime:               j.NTime,
		MinTime:             j.MinTime,
		WitnessCommitment:   j.WitnessCommitment,
		MergeMiningTag:      j.MergeMiningTag,
		SidechainTag:        j.SidechainTag,
		HeaderHash:          j.HeaderHash,
		SeedHash:            j.SeedHash,
		EthNetTarget:        j.EthNetTarget,
	}
	return json.Marshal(w)
}

// ParseJobJSON deserializes one job-topic message back into a StratumJob
// plus its clean-job flag, the round-trip law the published schema must
// satisfy.
func ParseJobJSON(data []byte) (*StratumJob, bool, error) {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false, err
	}
	job := &StratumJob{
		JobID:               w.JobID,
		NetworkTarget:       hexDecode(w.NetworkTarget),
		IsMergedMiningClean: w.IsMergedMiningClean,
		PrevHash:            w.PrevHash,
		Height:              w.Height,
		Coinbase1:           w.Coinbase1,
		Coinbase2:           w.Coinbase2,
		MerkleBranch:        w.MerkleBranch,
		NVersion:            w.NVersion,
		NBits:               w.NBits,
		NTime:               w.NTime,
		MinTime:             w.MinTime,
		WitnessCommitment:   w.WitnessCommitment,
		MergeMiningTag:      w.MergeMiningTag,
		SidechainTag:        w.SidechainTag,
		HeaderHash:          w.HeaderHash,
		SeedHash:            w.SeedHash,
		EthNetTarget:        w.EthNetTarget,
	}
	return job, w.IsClean, nil
}

func hexEncode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

func hexDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
