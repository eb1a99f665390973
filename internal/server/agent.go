package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lodestar-pool/stratum-core/internal/protocol"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"

	"go.uber.org/zap"
)

// agentWorker is one downstream miner multiplexed over an agent session's
// single TCP connection, identified on the wire by its 2-byte sessionId.
type agentWorker struct {
	sessionID uint16
	workerKey sharepipeline.WorkerKey
	fullName  string
}

// handleAgentGetCapabilities negotiates the binary exMessage sub-protocol.
// Once acknowledged, every further frame on this connection is a
// length-prefixed exMessage rather than a JSON-RPC line; a disabled Agent
// config rejects the negotiation so such sessions fall back to plain
// Stratum.
func (s *Session) handleAgentGetCapabilities(req protocol.Request) {
	if !s.srv.cfg.Agent.Enabled {
		s.reply(req.ID, nil, []any{protocol.ErrMethodNotFound, "agent sub-protocol disabled", nil})
		return
	}
	s.mu.Lock()
	s.isAgent = true
	s.agentWorkers = make(map[uint16]*agentWorker)
	s.mu.Unlock()
	s.reply(req.ID, map[string]any{"capabilities": []string{"AGENT"}}, nil)
}

// handleAgentMessage dispatches one decoded exMessage frame.
func (s *Session) handleAgentMessage(ctx context.Context, msg *protocol.ExMessage) {
	switch msg.Command {
	case protocol.AgentCmdRegisterWorker:
		s.handleAgentRegisterWorker(ctx, msg.Body)
	case protocol.AgentCmdUnregisterWorker:
		s.handleAgentUnregisterWorker(ctx, msg.Body)
	case protocol.AgentCmdSubmitShare, protocol.AgentCmdSubmitShareWithTime:
		s.handleAgentSubmitShare(ctx, msg.Command, msg.Body)
	default:
		s.logger.Debug("dropping unknown agent frame", zap.Uint8("command", msg.Command))
	}
}

// handleAgentRegisterWorker authorizes one virtual miner and binds it to
// the sessionId the agent will echo on every subsequent submit for it.
// Agent-multiplexed workers authenticate by name alone; the password slot
// in mining.authorize has no equivalent on this wire.
func (s *Session) handleAgentRegisterWorker(ctx context.Context, body []byte) {
	rw, err := protocol.DecodeAgentRegisterWorker(body)
	if err != nil {
		s.logger.Debug("dropping malformed register-worker frame", zap.Error(err))
		return
	}
	if rw.SessionID > protocol.AgentMaxSessionID {
		return
	}
	key, err := s.srv.workers.Authorize(ctx, rw.WorkerName, "")
	if err != nil {
		s.logger.Debug("agent worker registration rejected",
			zap.String("worker", rw.WorkerName), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.agentWorkers == nil {
		s.agentWorkers = make(map[uint16]*agentWorker)
	}
	s.agentWorkers[rw.SessionID] = &agentWorker{sessionID: rw.SessionID, workerKey: key, fullName: rw.WorkerName}
	s.mu.Unlock()
}

func (s *Session) handleAgentUnregisterWorker(ctx context.Context, body []byte) {
	if len(body) < 2 {
		return
	}
	sessionID := binary.LittleEndian.Uint16(body[0:2])
	s.mu.Lock()
	aw := s.agentWorkers[sessionID]
	delete(s.agentWorkers, sessionID)
	s.mu.Unlock()
	if aw != nil {
		s.srv.workers.Disconnect(ctx, aw.workerKey)
	}
}

// handleAgentSubmitShare decodes one virtual miner's share, locates the
// LocalJob by the rotating shortJobId, and runs it through the session's
// already-installed ChainOps exactly like a direct submit would.
func (s *Session) handleAgentSubmitShare(ctx context.Context, cmd uint8, body []byte) {
	ss, err := protocol.DecodeAgentSubmitShare(cmd, body)
	if err != nil {
		s.logger.Debug("dropping malformed submit-share frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	aw := s.agentWorkers[ss.SessionID]
	s.mu.Unlock()
	if aw == nil {
		return
	}

	lj := s.localJobs.ByShortID(ss.ShortJobID)
	if lj == nil {
		s.srv.workers.RecordShare(ctx, aw.workerKey, false, s.remoteIP(), time.Now())
		return
	}

	tuple := sharepipeline.LocalShareTuple{
		ExtraNonce2: fmt.Sprintf("%08x", ss.ExtraNonce2),
		NTime:       ss.NTime,
	}
	if !lj.MarkIfNew(tuple) {
		s.srv.workers.RecordShare(ctx, aw.workerKey, false, s.remoteIP(), time.Now())
		return
	}

	ntime := ss.NTime
	if !ss.HasNTime {
		if ex := s.srv.repo.GetStratumJobEx(lj.JobID); ex != nil {
			ntime = ex.Job.NTime
		}
	}

	share := sharepipeline.Share{
		Chain:       s.dialectKind.String(),
		JobID:       lj.JobID,
		WorkerKey:   aw.workerKey,
		ShareDiff:   lj.MinerDiff,
		Timestamp:   time.Now(),
		SessionID:   fmt.Sprintf("%s/%d", s.id, ss.SessionID),
		IP:          s.remoteIP(),
		ExtraNonce2: binary.BigEndian.AppendUint32(nil, ss.ExtraNonce2),
		NTime:       ntime,
		Nonce:       ss.Nonce,
	}

	status := s.ops.ValidateShare(ctx, share, lj)
	share.Status = status
	accepted, solved := s.ops.ClassifyStatus(status)

	s.srv.workers.RecordShare(ctx, aw.workerKey, accepted, s.remoteIP(), share.Timestamp)
	shouldPublish := true
	if !accepted {
		shouldPublish = s.recordInvalid(status)
	}

	if s.srv.shareLog != nil && shouldPublish {
		go func() {
			if err := s.srv.shareLog.Publish(context.Background(), share); err != nil {
				s.logger.Warn("failed to publish agent share", zap.Error(err))
			}
		}()
	}
	if solved && s.srv.solvedLog != nil {
		go func() {
			_ = s.srv.solvedLog.Publish(context.Background(), sharepipeline.SolvedBlock{
				Chain:       s.dialectKind.String(),
				Nonce:       uint64(share.Nonce),
				WorkerKey:   aw.workerKey,
				NetworkDiff: share.NetworkDiff,
			})
		}()
	}
}
