// Package sharepipeline implements the per-miner difficulty bookkeeping,
// duplicate-share detection, local-job registry and share classification
// described for the hot share-submission path.
package sharepipeline

import "time"

// WorkerKey uniquely identifies a worker across machines and sessions.
type WorkerKey struct {
	UserID       int32
	WorkerHashID int64
}

// Share is the value-typed, chain-tagged record of one submission. It is
// copied onto the publish queue; nothing downstream may alias it.
type Share struct {
	Chain       string // dialect name: "sha256", "eth", "nicehash" or "ethproxy"
	Version     uint32
	JobID       uint64
	WorkerKey   WorkerKey
	ShareDiff   float64
	NetworkDiff float64
	Timestamp   time.Time
	Status      Status
	Height      int64
	SessionID   string
	IP          string
	Checksum    uint32

	// Chain-specific nonce material.
	ExtraNonce2  []byte
	NTime        uint32
	Nonce        uint32
	VersionMask  uint32
	EthNonce     uint64
	EthMixHash   []byte
	EthHeaderHash []byte
}

// LocalShareTuple is the duplicate-detection key within one LocalJob: the
// triple of fields that together identify one unique submission attempt.
type LocalShareTuple struct {
	ExtraNonce2 string
	NTime       uint32
	VersionMask uint32
}
