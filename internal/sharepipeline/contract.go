package sharepipeline

import "context"

// CheckShareInput is the argument bundle of the Share Validator contract: a
// pure function that recomputes proof-of-work and classifies the result.
// Nothing in this repository implements or calls CheckShareFunc; the
// chain-specific ValidateShare methods in internal/chainops recompute
// proof-of-work directly.
type CheckShareInput struct {
	JobID         uint64
	Nonce         uint64
	HeaderHash    []byte
	ShareTarget   []byte
	NetworkTarget []byte
}

// CheckShareResult is what the validator hands back: the classified status
// plus, for Ethash-family chains, the recovered mix hash.
type CheckShareResult struct {
	Status  Status
	MixHash []byte
}

// CheckShareFunc is the contract signature from the design: deterministic
// and side-effect-free.
type CheckShareFunc func(ctx context.Context, in CheckShareInput) CheckShareResult

// DuplicateShareChecker is the optional external collaborator ETH sessions
// consult in addition to the in-session LocalJob seen-set, described in the
// design as "Bloom-like". A concrete implementation backed by Redis lives in
// internal/storage.
type DuplicateShareChecker interface {
	CheckAndSet(ctx context.Context, key string) (isDuplicate bool, err error)
}

// ShareLogPublisher is the external share-topic sink. The session layer
// leaves Share.Checksum zero; storage.ShareLog verifies a checksum only when
// it is non-zero.
type ShareLogPublisher interface {
	Publish(ctx context.Context, s Share) error
}

// SolvedBlock is the chain-specific payload emitted on the solved-block
// topic when a share also meets the network target.
type SolvedBlock struct {
	Chain         string
	Nonce         uint64
	Header        []byte
	MixHash       []byte
	Height        int64
	NetworkDiff   float64
	WorkerKey     WorkerKey
}

// SolvedBlockPublisher is the external solved-block topic sink.
type SolvedBlockPublisher interface {
	Publish(ctx context.Context, b SolvedBlock) error
}

// UserAuthenticator is the external collaborator that resolves a
// Stratum "user.worker" login into a stable worker identity.
type UserAuthenticator interface {
	Authorize(ctx context.Context, fullName, password string) (WorkerKey, error)
}
