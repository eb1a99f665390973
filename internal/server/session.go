package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodestar-pool/stratum-core/internal/chainops"
	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/protocol"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sessionState is the Session Engine's connection lifecycle, monotonic:
// it only ever moves forward, never back.
type sessionState int32

const (
	stateConnected sessionState = iota
	stateSubscribed
	stateAuthenticated
	stateDisconnected
)

// outboxHighWaterMark is the pending-write depth past which further
// mining.notify frames coalesce into the latest one rather than queuing,
// so a slow miner falls behind on job freshness instead of buffering
// unbounded memory or stalling the writer goroutine for everyone else.
const outboxHighWaterMark = 8

// idleTimeout disconnects a session that has neither submitted a share nor
// sent any request in this long.
const idleTimeout = 10 * time.Minute

// Session is one miner connection: dialect-selected wire handling, a local
// job registry, invalid-share suppression, and a single-writer outbox.
// Exactly one goroutine reads the socket and drives Session's state;
// writes are serialized through outbox so broadcaster fan-out and request
// replies never interleave mid-frame.
type Session struct {
	id     string
	conn   net.Conn
	logger *zap.Logger
	srv    *Server

	state       atomic.Int32
	dialectKind chainops.Dialect
	ops         chainops.ChainOps
	extraNonce1 string // hex, unique among this server's live sessions

	localJobs    *sharepipeline.LocalJobRegistry
	tokenIndex   map[string]*sharepipeline.LocalJob
	tokenOrder   []string
	tokenRetain  int
	invalidShare *sharepipeline.InvalidShareWindow

	mu          sync.Mutex
	workerKey   sharepipeline.WorkerKey
	fullName    string
	authorized  bool
	versionMask uint32
	minDiffFloor float64
	currentDiff  float64
	lastActivity time.Time

	// Agent sub-protocol: once negotiated via agent.get_capabilities, the
	// rest of the connection is exMessage frames instead of JSON-RPC
	// lines, and agentWorkers tracks the virtual miners this one TCP
	// session multiplexes.
	isAgent      bool
	agentWorkers map[uint16]*agentWorker

	out       *outbox
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(srv *Server, conn net.Conn, extraNonce1 string) *Session {
	s := &Session{
		id:           uuid.NewString(),
		conn:         conn,
		logger:       srv.logger.With(zap.String("session", extraNonce1)),
		srv:          srv,
		extraNonce1:  extraNonce1,
		invalidShare: sharepipeline.NewInvalidShareWindow(),
		tokenIndex:   make(map[string]*sharepipeline.LocalJob),
		out:          newOutbox(),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	s.state.Store(int32(stateConnected))
	return s
}

func (s *Session) setState(next sessionState) {
	for {
		cur := sessionState(s.state.Load())
		if next <= cur {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return
		}
	}
}

func (s *Session) getState() sessionState {
	return sessionState(s.state.Load())
}

// Run drains the socket until EOF, a protocol error, or ctx cancellation,
// dispatching each line-framed JSON-RPC request (or, once negotiated, raw
// agent frames) to its handler. Exactly one goroutine calls Run.
func (s *Session) Run(ctx context.Context) {
	go s.writerLoop()
	defer s.terminate()

	reader := bufio.NewReaderSize(s.conn, 16*1024)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		if idle := time.Since(s.lastActivityNow()); idle > idleTimeout {
			s.logger.Info("disconnecting idle session", zap.Duration("idle", idle))
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		if s.isAgentNow() {
			msg, err := protocol.ReadExMessage(reader)
			if err != nil {
				return
			}
			s.touch()
			s.handleAgentMessage(ctx, msg)
			continue
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.touch()
			s.dispatchLine(ctx, line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) lastActivityNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) isAgentNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAgent
}

func (s *Session) dispatchLine(ctx context.Context, line []byte) {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Debug("dropping malformed request", zap.Error(err))
		return
	}

	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(req)
	case "mining.configure":
		s.handleConfigure(req)
	case "mining.authorize":
		s.handleAuthorize(ctx, req)
	case "mining.extranonce.subscribe":
		s.reply(req.ID, true, nil)
	case "mining.submit":
		s.handleSubmit(ctx, req)
	case "eth_submitLogin":
		s.handleEthSubmitLogin(ctx, req)
	case "eth_getWork":
		s.handleEthGetWork(req)
	case "eth_submitWork":
		s.handleSubmit(ctx, req)
	case "eth_submitHashrate":
		s.reply(req.ID, true, nil)
	case "agent.get_capabilities":
		s.handleAgentGetCapabilities(req)
	default:
		s.reply(req.ID, nil, []any{protocol.ErrMethodNotFound, "method not found", nil})
	}
}

// handleSubscribe picks the wire dialect. ETHPROXY sessions never call
// mining.subscribe at all (they open with eth_submitLogin), so reaching
// this handler always means SHA256, generic ETH, or NiceHash.
func (s *Session) handleSubscribe(req protocol.Request) {
	params, _ := protocol.ParseSubscribeParams(req.Params)

	family := s.srv.cfg.Mining.CoinType
	switch family {
	case "eth":
		s.dialectKind = chainops.SniffEthSubscribe(params.SessionID)
	default:
		s.dialectKind = chainops.DialectSHA256
	}
	s.installDialect()
	s.setState(stateSubscribed)

	result := s.ops.SubscribeResult(s.extraNonce1, s.srv.cfg.Mining.Extranonce2Size)
	s.reply(req.ID, result, nil)

	if ex := s.srv.repo.GetLatestStratumJobEx(); ex != nil {
		s.sendJob(ex, true)
	}
}

func (s *Session) installDialect() {
	repo := s.srv.repo
	ethRetain := s.srv.cfg.Dialects.LocalJobRetentionEth
	if ethRetain <= 0 {
		ethRetain = sharepipeline.DefaultLocalJobRetentionEth
	}
	sha256Retain := s.srv.cfg.Dialects.LocalJobRetentionSHA256
	if sha256Retain <= 0 {
		sha256Retain = sharepipeline.DefaultLocalJobRetentionSHA256
	}

	dup := s.srv.dup
	switch s.dialectKind {
	case chainops.DialectEth:
		s.ops = chainops.NewEth(repo, dup)
		s.tokenRetain = ethRetain
	case chainops.DialectNicehash:
		s.extraNonce1 = s.extraNonce1[:2*chainops.NicehashExtraNonce1Size]
		s.ops = chainops.NewNicehash(repo, s.extraNonce1, dup)
		s.tokenRetain = ethRetain
	case chainops.DialectEthproxy:
		s.ops = chainops.NewEthproxy(repo, dup)
		s.tokenRetain = ethRetain
	default:
		s.ops = chainops.NewSHA256(repo, s.extraNonce1)
		s.tokenRetain = sha256Retain
	}
	s.localJobs = sharepipeline.NewLocalJobRegistry(s.tokenRetain)
}

func (s *Session) handleConfigure(req protocol.Request) {
	cfg, err := protocol.ParseConfigureParams(req.Params)
	if err != nil {
		s.reply(req.ID, nil, []any{protocol.ErrInvalidParams, "invalid params", nil})
		return
	}
	result := protocol.ConfigureResult{}
	if mask, ok := cfg.VersionRollingMask(); ok {
		allowed := uint32(0x1fffe000)
		if am := s.srv.cfg.Dialects.AllowVersionRollingMask; am != "" {
			if v, err := strconv.ParseUint(am, 16, 32); err == nil {
				allowed = uint32(v)
			}
		}
		s.mu.Lock()
		var v uint32
		_, _ = fmt.Sscanf(mask, "%x", &v)
		s.versionMask = v & allowed
		s.mu.Unlock()
		result["version-rolling"] = true
		result["version-rolling.mask"] = fmt.Sprintf("%08x", s.versionMask)
	}
	if floor, ok := cfg.MinimumDifficulty(); ok {
		s.mu.Lock()
		s.minDiffFloor = floor
		s.mu.Unlock()
		result["minimum-difficulty"] = true
	}
	s.reply(req.ID, result, nil)

	if mask, ok := result["version-rolling.mask"].(string); ok {
		s.notify("mining.set_version_mask", protocol.SetVersionMaskParams{Mask: mask})
	}
}

func (s *Session) handleAuthorize(ctx context.Context, req protocol.Request) {
	params, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil {
		s.reply(req.ID, nil, []any{protocol.ErrInvalidParams, "invalid params", nil})
		return
	}
	s.authorize(ctx, req.ID, params.Username, params.Password)
}

func (s *Session) handleEthSubmitLogin(ctx context.Context, req protocol.Request) {
	params, err := protocol.ParseEthSubmitLoginParams(req.Params)
	if err != nil {
		s.reply(req.ID, nil, []any{protocol.ErrInvalidParams, "invalid params", nil})
		return
	}
	s.dialectKind = chainops.DialectEthproxy
	s.installDialect()
	s.setState(stateSubscribed)
	s.authorize(ctx, req.ID, params.FullName, params.Password)
}

func (s *Session) authorize(ctx context.Context, id interface{}, fullName, password string) {
	if s.getState() < stateSubscribed {
		s.reply(id, nil, []any{protocol.ErrNotSubscribed, "not subscribed", nil})
		return
	}
	key, err := s.srv.workers.Authorize(ctx, fullName, password)
	if err != nil {
		s.reply(id, false, []any{protocol.ErrUnauthorized, "unauthorized", nil})
		return
	}
	s.mu.Lock()
	s.workerKey = key
	s.fullName = fullName
	s.authorized = true
	if w := s.srv.workers.Get(key); w != nil {
		s.currentDiff = w.DiffState.CurrentDifficulty
		if s.minDiffFloor > 0 {
			s.srv.workers.SuggestMinimumDifficulty(key, s.minDiffFloor)
			s.currentDiff = w.DiffState.CurrentDifficulty
		}
	}
	diff := s.currentDiff
	s.mu.Unlock()

	s.setState(stateAuthenticated)
	s.reply(id, true, nil)
	s.sendDifficulty(diff)

	if ex := s.srv.repo.GetLatestStratumJobEx(); ex != nil {
		s.sendJob(ex, true)
	}
}

func (s *Session) handleEthGetWork(req protocol.Request) {
	ex := s.srv.repo.GetLatestStratumJobEx()
	if ex == nil {
		s.reply(req.ID, nil, []any{protocol.ErrJobNotFound, "no job available", nil})
		return
	}
	s.pushLocalJob(ex)
	ethproxy, ok := s.ops.(interface {
		GetWork(job *jobrepo.StratumJobEx, extraNonce1 string) []string
	})
	if !ok {
		s.reply(req.ID, nil, []any{protocol.ErrInternalError, "dialect mismatch", nil})
		return
	}
	s.reply(req.ID, ethproxy.GetWork(ex, s.extraNonce1), nil)
}

// handleSubmit is the hot path shared by every dialect: parse, locate the
// LocalJob by its dialect-specific wire token, duplicate-check, recompute
// proof of work, and classify.
func (s *Session) handleSubmit(ctx context.Context, req protocol.Request) {
	if s.getState() < stateAuthenticated {
		s.reply(req.ID, nil, []any{protocol.ErrUnauthorized, "unauthorized", nil})
		return
	}
	if s.out.depth() > outboxHighWaterMark*4 {
		// Session can't keep up with its own outbound backlog; shares
		// submitted while this far behind are not worth validating.
		s.reply(req.ID, nil, []any{protocol.ErrInternalError, "session overloaded", nil})
		return
	}

	fields, err := s.ops.ParseSubmit(req.Params)
	if err != nil {
		s.reply(req.ID, nil, []any{protocol.ErrInvalidParams, "illegal params", nil})
		return
	}

	lj := s.tokenIndex[fields.JobID]
	if lj == nil {
		s.recordInvalid(sharepipeline.StatusJobNotFound)
		s.reply(req.ID, nil, []any{protocol.ErrJobNotFound, "job not found", nil})
		return
	}

	tuple := sharepipeline.LocalShareTuple{
		ExtraNonce2: fields.ExtraNonce2,
		NTime:       parseHexUint32(fields.NTime),
		VersionMask: s.sessionVersionMask(),
	}
	if s.dialectKind != chainops.DialectSHA256 {
		tuple = sharepipeline.LocalShareTuple{ExtraNonce2: fields.Nonce, NTime: 0, VersionMask: 0}
	}
	if !lj.MarkIfNew(tuple) {
		s.recordReject(ctx, sharepipeline.StatusDuplicateShare)
		s.reply(req.ID, nil, []any{protocol.ErrDuplicateShare, "duplicate share", nil})
		return
	}

	share := s.buildShare(lj, fields)
	status := s.ops.ValidateShare(ctx, share, lj)
	share.Status = status

	accepted, solved := s.ops.ClassifyStatus(status)
	s.srv.workers.RecordShare(ctx, s.workerKeyNow(), accepted, s.remoteIP(), share.Timestamp)

	shouldPublish := true
	if accepted {
		s.reply(req.ID, true, nil)
	} else {
		shouldPublish = s.recordInvalid(status)
		s.reply(req.ID, nil, []any{status.ErrorCode(), status.String(), nil})
	}

	if s.srv.shareLog != nil && shouldPublish {
		go func() {
			if err := s.srv.shareLog.Publish(context.Background(), share); err != nil {
				s.logger.Warn("failed to publish share", zap.Error(err))
			}
		}()
	}
	if solved && s.srv.solvedLog != nil {
		go func() {
			_ = s.srv.solvedLog.Publish(context.Background(), sharepipeline.SolvedBlock{
				Chain:       s.dialectKind.String(),
				Nonce:       uint64(share.Nonce),
				WorkerKey:   share.WorkerKey,
				NetworkDiff: share.NetworkDiff,
			})
		}()
	}

	if newDiff, changed := s.srv.workers.CheckVarDiff(ctx, s.workerKeyNow()); changed {
		s.mu.Lock()
		s.currentDiff = newDiff
		s.mu.Unlock()
		s.sendDifficulty(newDiff)
	}
}

// recordInvalid bumps the sliding invalid-share counter and reports whether
// the share topic should still receive this share, per §5's backpressure
// rule: once the 1-minute sum saturates, further invalid-share publication
// is rate-limited (the miner still always gets a reply).
func (s *Session) recordInvalid(status sharepipeline.Status) bool {
	return s.invalidShare.Record(time.Now())
}

func (s *Session) recordReject(ctx context.Context, status sharepipeline.Status) {
	s.srv.workers.RecordShare(ctx, s.workerKeyNow(), false, s.remoteIP(), time.Now())
	s.recordInvalid(status)
}

func (s *Session) sessionVersionMask() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versionMask
}

func (s *Session) workerKeyNow() sharepipeline.WorkerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerKey
}

func (s *Session) remoteIP() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

func (s *Session) buildShare(lj *sharepipeline.LocalJob, fields chainops.SubmitFields) sharepipeline.Share {
	s.mu.Lock()
	diff := s.currentDiff
	s.mu.Unlock()

	share := sharepipeline.Share{
		Chain:       s.dialectKind.String(),
		JobID:       lj.JobID,
		WorkerKey:   s.workerKeyNow(),
		ShareDiff:   diff,
		Timestamp:   time.Now(),
		SessionID:   s.id,
		IP:          s.remoteIP(),
	}
	switch s.dialectKind {
	case chainops.DialectSHA256:
		share.ExtraNonce2 = []byte(fields.ExtraNonce2)
		share.NTime = parseHexUint32(fields.NTime)
		share.Nonce = parseHexUint32(fields.Nonce)
		share.VersionMask = s.sessionVersionMask()
	default:
		share.EthHeaderHash = hexBytes(fields.Header)
		share.EthMixHash = hexBytes(fields.MixHash)
		share.EthNonce = parseHexUint64(fields.Nonce)
	}
	return share
}

// pushLocalJob indexes ex into this session's LocalJobRegistry under the
// dialect-specific wire token and enforces the token-index retention
// window in lockstep with the registry's own FIFO eviction.
func (s *Session) pushLocalJob(ex *jobrepo.StratumJobEx) *sharepipeline.LocalJob {
	s.mu.Lock()
	diff := s.currentDiff
	s.mu.Unlock()

	lj := s.localJobs.Push(ex.Job.JobID, diff, ex.Job.NBits)
	token := s.tokenFor(ex)

	s.mu.Lock()
	s.tokenIndex[token] = lj
	s.tokenOrder = append(s.tokenOrder, token)
	for len(s.tokenOrder) > s.tokenRetain {
		oldest := s.tokenOrder[0]
		s.tokenOrder = s.tokenOrder[1:]
		delete(s.tokenIndex, oldest)
	}
	s.mu.Unlock()
	return lj
}

func (s *Session) tokenFor(ex *jobrepo.StratumJobEx) string {
	switch s.dialectKind {
	case chainops.DialectSHA256:
		return fmt.Sprintf("%x", ex.Job.JobID)
	case chainops.DialectNicehash:
		return fmt.Sprintf("%x", ex.Job.JobID&0xffffffff)
	default:
		return stripHexPrefix(ex.Job.HeaderHash)
	}
}

// sendJob renders and writes the current job's notify, preceded by a
// difficulty change where the dialect requires resending it.
func (s *Session) sendJob(ex *jobrepo.StratumJobEx, isFirstJob bool) {
	if s.getState() < stateSubscribed {
		return
	}
	s.pushLocalJob(ex)

	if nh, ok := s.ops.(interface {
		PendingDifficultyChange(diff float64) (string, any, bool)
	}); ok {
		s.mu.Lock()
		diff := s.currentDiff
		s.mu.Unlock()
		if method, params, changed := nh.PendingDifficultyChange(diff); changed {
			s.notify(method, params)
		}
	}

	method, params := s.ops.MakeNotify(ex, isFirstJob)
	if method == "" {
		return
	}
	s.notify(method, params)
}

func (s *Session) sendDifficulty(diff float64) {
	if _, ok := s.ops.(interface {
		PendingDifficultyChange(diff float64) (string, any, bool)
	}); ok {
		// NiceHash folds difficulty into the resend-on-change check done in
		// sendJob; a standalone push here would double-send.
		return
	}
	s.notify("mining.set_difficulty", protocol.SetDifficultyParams{Difficulty: diff})
}

func (s *Session) reply(id interface{}, result interface{}, errVal interface{}) {
	resp := protocol.Response{ID: id, Result: result, Error: errVal}
	s.writeJSON(resp)
}

func (s *Session) notify(method string, params interface{}) {
	n := protocol.Notification{ID: nil, Method: method, Params: params}
	s.writeJSON(n, method == "mining.notify")
}

func (s *Session) writeJSON(v interface{}, isNotify ...bool) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal outbound message", zap.Error(err))
		return
	}
	data = append(data, '\n')
	coalesce := len(isNotify) > 0 && isNotify[0]
	s.out.enqueue(data, coalesce, outboxHighWaterMark)
}

func (s *Session) writerLoop() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.out.signal:
			for _, msg := range s.out.drain() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
				if _, err := s.conn.Write(msg); err != nil {
					s.terminate()
					return
				}
			}
		}
	}
}

// terminate closes the connection and marks the session disconnected.
// Safe to call multiple times and from multiple goroutines.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		s.setState(stateDisconnected)
		close(s.closed)
		_ = s.conn.Close()
		if s.authorized {
			s.srv.workers.Disconnect(context.Background(), s.workerKeyNow())
		}
	})
}

func parseHexUint32(s string) uint32 {
	v, _ := strconv.ParseUint(stripHexPrefix(s), 16, 32)
	return uint32(v)
}

func parseHexUint64(s string) uint64 {
	v, _ := strconv.ParseUint(stripHexPrefix(s), 16, 64)
	return v
}

func hexBytes(s string) []byte {
	s = stripHexPrefix(s)
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, _ := hex.DecodeString(s)
	return b
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
