package jobmaker

import "time"

// RawBlockTemplate is the decoded form of one getblocktemplate response, the
// first of the Job Maker's three input streams.
type RawBlockTemplate struct {
	GbtHash           string // upstream-supplied digest of the template body, used for dedupe
	CreatedAt         time.Time
	PreviousBlockHash string
	Height            int64
	CurTime           uint32
	MinTime           uint32
	Bits              uint32
	Version           uint32
	CoinbaseValue     int64
	Transactions      []TemplateTx
	WitnessCommitment string // hex, empty if segwit is not active
}

// TemplateTx is one non-coinbase transaction offered by the template.
type TemplateTx struct {
	Data string // raw tx hex
	Hash string
}

// IsEmpty reports whether the template carries no transactions, the signal
// the eviction policy and the height-monotonicity grace period key off.
func (t *RawBlockTemplate) IsEmpty() bool {
	return len(t.Transactions) == 0
}

// AuxBlock is one merge-mined auxiliary chain's pending work, the Job
// Maker's second input stream.
type AuxBlock struct {
	ChainID   uint32
	Hash      string // aux block hash, little-endian hex as supplied upstream
	Target    string // aux chain target, hex
	CreatedAt time.Time
}

// RskGetWork is the RSK sidechain's pending work, the Job Maker's third
// input stream.
type RskGetWork struct {
	BlockHash    string
	Target       string
	Fees         string
	NotifyFlag   bool // merge-mining update policy 1: publish only when set
	CreatedAt    time.Time
}
