package storage

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"
)

// DuplicateChecker adapts RedisClient.CheckDuplicateShare to
// sharepipeline.DuplicateShareChecker, the optional external collaborator
// ETH sessions consult in addition to their in-session LocalJob seen-set.
type DuplicateChecker struct {
	redis *RedisClient
}

// NewDuplicateChecker wraps redis as a DuplicateShareChecker.
func NewDuplicateChecker(redis *RedisClient) *DuplicateChecker {
	return &DuplicateChecker{redis: redis}
}

// CheckAndSet reports whether key was already seen, atomically marking it
// seen either way.
func (d *DuplicateChecker) CheckAndSet(ctx context.Context, key string) (bool, error) {
	return d.redis.CheckDuplicateShare(ctx, key)
}

// ShareLog adapts PostgresClient.InsertShare to
// sharepipeline.ShareLogPublisher, the share topic's durable sink.
type ShareLog struct {
	pg *PostgresClient
}

// NewShareLog wraps pg as a ShareLogPublisher.
func NewShareLog(pg *PostgresClient) *ShareLog {
	return &ShareLog{pg: pg}
}

// Publish persists one classified share. A non-zero checksum is verified
// before the row is written; a zero checksum, which is what the session
// layer sends, is not checked.
func (s *ShareLog) Publish(ctx context.Context, share sharepipeline.Share) error {
	if share.Checksum != 0 && share.Checksum != computeChecksum(share) {
		return fmt.Errorf("storage: share checksum mismatch for job %d", share.JobID)
	}
	return s.pg.InsertShare(ctx, &Share{
		WorkerName:   fmt.Sprintf("%d/%d", share.WorkerKey.UserID, share.WorkerKey.WorkerHashID),
		JobID:        fmt.Sprintf("%x", share.JobID),
		Difficulty:   share.NetworkDiff,
		ShareDiff:    share.ShareDiff,
		Valid:        sharepipeline.IsAccepted(share.Status),
		IsBlock:      sharepipeline.IsSolved(share.Status),
		RejectReason: share.Status.String(),
		IPAddress:    share.IP,
		SubmittedAt:  share.Timestamp,
	})
}

// computeChecksum is the fixed-size binary record's trailing integrity
// field: a simple additive checksum over the identifying fields, cheap
// enough to run on every share without becoming the hot path's bottleneck.
func computeChecksum(s sharepipeline.Share) uint32 {
	var sum uint32
	sum += uint32(s.JobID) ^ uint32(s.JobID>>32)
	sum += uint32(s.WorkerKey.UserID)
	sum += uint32(s.WorkerKey.WorkerHashID) ^ uint32(s.WorkerKey.WorkerHashID>>32)
	sum += s.NTime
	sum += s.Nonce
	return sum
}

// SolvedBlockLog adapts PostgresClient.InsertBlock to
// sharepipeline.SolvedBlockPublisher, the solved-block topic's sink.
type SolvedBlockLog struct {
	pg *PostgresClient
}

// NewSolvedBlockLog wraps pg as a SolvedBlockPublisher.
func NewSolvedBlockLog(pg *PostgresClient) *SolvedBlockLog {
	return &SolvedBlockLog{pg: pg}
}

// Publish persists a solved-block notification.
func (s *SolvedBlockLog) Publish(ctx context.Context, b sharepipeline.SolvedBlock) error {
	return s.pg.InsertBlock(ctx, &Block{
		Hash:       hex.EncodeToString(b.Header),
		Height:     b.Height,
		WorkerName: fmt.Sprintf("%d/%d", b.WorkerKey.UserID, b.WorkerKey.WorkerHashID),
		Difficulty: b.NetworkDiff,
	})
}

// JobTopic publishes serialized stratum jobs to Redis so every sserver
// instance's Job Repository can subscribe to one Job Maker's output,
// satisfying the "job publication topic" external interface.
type JobTopic struct {
	redis   *RedisClient
	channel string
}

// NewJobTopic binds a JobTopic publisher/subscriber to channel on redis.
func NewJobTopic(redis *RedisClient, channel string) *JobTopic {
	if channel == "" {
		channel = "stratum-job"
	}
	return &JobTopic{redis: redis, channel: channel}
}

// Publish sends the serialized job payload to every subscribed Job
// Repository.
func (j *JobTopic) Publish(ctx context.Context, payload []byte) error {
	return j.redis.Publish(ctx, j.channel, payload)
}

// Run subscribes to the job channel and invokes onJob with each received
// payload until ctx is cancelled, feeding remote Job Maker instances'
// published jobs into this sserver's own Job Repository.
func (j *JobTopic) Run(ctx context.Context, onJob func([]byte)) {
	sub := j.redis.Subscribe(ctx, j.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			onJob([]byte(msg.Payload))
		}
	}
}
