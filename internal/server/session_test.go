package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lodestar-pool/stratum-core/internal/config"
	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/protocol"
	"github.com/lodestar-pool/stratum-core/internal/worker"

	"go.uber.org/zap"
)

// newTestServer builds a Server wired to an in-memory Job Repository and a
// worker Manager with no Redis/Postgres backing, enough to drive the
// Session Engine's handlers without any network or storage dependency.
func newTestServer(t *testing.T, coinType string) *Server {
	t.Helper()

	cfg := &config.Config{}
	cfg.Mining.CoinType = coinType
	cfg.Mining.Extranonce2Size = 8
	cfg.Mining.InitialDifficulty = 1
	cfg.Mining.MinDifficulty = 0.001
	cfg.Mining.MaxDifficulty = 1000000
	cfg.Mining.TargetShareTime = 10 * time.Second
	cfg.Mining.RetargetTime = 90 * time.Second
	cfg.Mining.VariancePercent = 30
	cfg.Dialects.LocalJobRetentionSHA256 = 8
	cfg.Dialects.LocalJobRetentionEth = 16
	cfg.Dialects.AllowVersionRollingMask = "1fffe000"

	logger := zap.NewNop()
	diffCfg := protocol.DifficultyConfig{
		InitialDifficulty: cfg.Mining.InitialDifficulty,
		MinDifficulty:     cfg.Mining.MinDifficulty,
		MaxDifficulty:     cfg.Mining.MaxDifficulty,
		TargetShareTime:   cfg.Mining.TargetShareTime,
		RetargetTime:      cfg.Mining.RetargetTime,
		VariancePercent:   cfg.Mining.VariancePercent,
	}
	workers := worker.NewManager(logger, diffCfg, nil, nil)

	srv := New(cfg, logger, workers, nil, nil, nil)
	srv.SetRepository(jobrepo.NewRepository(logger, srv))
	return srv
}

// newTestSession wires a Session to one side of an in-memory net.Pipe, the
// other end of which is never driven: these tests call handlers directly
// rather than running Session.Run, so nothing ever reads or writes the
// socket itself.
func newTestSession(srv *Server, extraNonce1 string) *Session {
	_, serverSide := net.Pipe()
	return newSession(srv, serverSide, extraNonce1)
}

func mustRequest(t *testing.T, raw string) protocol.Request {
	t.Helper()
	var req protocol.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

// drainOne returns the single message waiting in sess's outbox, failing the
// test if there isn't exactly one.
func drainOne(t *testing.T, sess *Session) string {
	t.Helper()
	msgs := sess.out.drain()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 queued message, got %d", len(msgs))
	}
	return strings.TrimSuffix(string(msgs[0]), "\n")
}

// TestHandleSubscribeSHA256 exercises spec.md §8 scenario 1: a fresh SHA256
// session's mining.subscribe reply must echo the literal 3-element tuple
// shape, not an object.
func TestHandleSubscribeSHA256(t *testing.T) {
	srv := newTestServer(t, "")
	sess := newTestSession(srv, "01ad557d")

	req := mustRequest(t, `{"id":1,"method":"mining.subscribe","params":["cgminer/1.0"]}`)
	sess.handleSubscribe(req)

	got := drainOne(t, sess)
	want := `{"id":1,"result":[[["mining.set_difficulty","01ad557d"],["mining.notify","01ad557d"]],"01ad557d",8],"error":null}`
	if got != want {
		t.Fatalf("subscribe reply mismatch:\n got: %s\nwant: %s", got, want)
	}
}

// TestHandleSubscribeNicehash exercises spec.md §8 scenario 2: a NiceHash
// (EthereumStratum/1.0.0) session's subscribe reply is the dialect's own
// 2-element shape, routed through chainops rather than a literal in
// session.go.
func TestHandleSubscribeNicehash(t *testing.T) {
	srv := newTestServer(t, "eth")
	sess := newTestSession(srv, "00080c")

	req := mustRequest(t, `{"id":1,"method":"mining.subscribe","params":["x","EthereumStratum/1.0.0"]}`)
	sess.handleSubscribe(req)

	got := drainOne(t, sess)
	want := `{"id":1,"result":[["mining.notify","00080c","EthereumStratum/1.0.0"],"00080c"],"error":null}`
	if got != want {
		t.Fatalf("subscribe reply mismatch:\n got: %s\nwant: %s", got, want)
	}
}

// TestHandleSubscribeGenericEth exercises the plain "STRATUM" ETH dialect
// (no NiceHash protocol hint): it must get the same 3-element shape as
// SHA256, per spec.md §4.3's "identical subscribe/authorize flow" note.
func TestHandleSubscribeGenericEth(t *testing.T) {
	srv := newTestServer(t, "eth")
	sess := newTestSession(srv, "aabbccdd")

	req := mustRequest(t, `{"id":7,"method":"mining.subscribe","params":["miner/1.0"]}`)
	sess.handleSubscribe(req)

	got := drainOne(t, sess)
	want := `{"id":7,"result":[[["mining.set_difficulty","aabbccdd"],["mining.notify","aabbccdd"]],"aabbccdd",8],"error":null}`
	if got != want {
		t.Fatalf("subscribe reply mismatch:\n got: %s\nwant: %s", got, want)
	}
}

// TestHandleConfigureVersionRolling exercises spec.md §8 scenario 5: a
// mining.configure accepting a version-rolling mask both replies with the
// negotiated mask and pushes a standalone mining.set_version_mask
// notification carrying the same value.
func TestHandleConfigureVersionRolling(t *testing.T) {
	srv := newTestServer(t, "")
	sess := newTestSession(srv, "01ad557d")

	req := mustRequest(t, `{"id":2,"method":"mining.configure","params":[["version-rolling"],{"version-rolling.mask":"1fffe000"}]}`)
	sess.handleConfigure(req)

	msgs := sess.out.drain()
	if len(msgs) != 2 {
		t.Fatalf("expected configure reply + set_version_mask notification, got %d messages", len(msgs))
	}

	var reply protocol.Response
	if err := json.Unmarshal(msgs[0], &reply); err != nil {
		t.Fatalf("unmarshal configure reply: %v", err)
	}
	result, ok := reply.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("configure result is not an object: %#v", reply.Result)
	}
	if result["version-rolling"] != true {
		t.Fatalf("expected version-rolling: true, got %#v", result["version-rolling"])
	}
	if result["version-rolling.mask"] != "1fffe000" {
		t.Fatalf("expected version-rolling.mask 1fffe000, got %#v", result["version-rolling.mask"])
	}

	var notif protocol.Notification
	if err := json.Unmarshal(msgs[1], &notif); err != nil {
		t.Fatalf("unmarshal set_version_mask notification: %v", err)
	}
	if notif.Method != "mining.set_version_mask" {
		t.Fatalf("expected mining.set_version_mask, got %q", notif.Method)
	}
	params, ok := notif.Params.(map[string]interface{})
	if !ok || params["mask"] != "1fffe000" {
		t.Fatalf("expected mask 1fffe000 in notification params, got %#v", notif.Params)
	}
}

// sha256TestJob builds a minimal, well-formed SHA256 job whose exact
// validity against a target does not matter for the tests that use it --
// only that it parses and indexes cleanly.
func sha256TestJob(jobID uint64) *jobrepo.StratumJob {
	return &jobrepo.StratumJob{
		JobID:         jobID,
		PrevHash:      strings.Repeat("00", 32),
		Coinbase1:     "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff",
		Coinbase2:     "ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		MerkleBranch:  nil,
		NVersion:      1,
		NBits:         0x1d00ffff,
		NTime:         0x5f5e100,
		MinTime:       0x5f5e100,
		NetworkTarget: make([]byte, 32),
		CreatedAt:     time.Now(),
	}
}

// authorizeTestSession drives sess through subscribe and authorize so it
// reaches stateAuthenticated with a real WorkerKey, the precondition every
// mining.submit handler enforces.
func authorizeTestSession(t *testing.T, sess *Session) {
	t.Helper()
	sess.handleSubscribe(mustRequest(t, `{"id":1,"method":"mining.subscribe","params":["cgminer/1.0"]}`))
	sess.out.drain()
	sess.handleAuthorize(context.Background(), mustRequest(t, `{"id":2,"method":"mining.authorize","params":["user.worker1","x"]}`))
	sess.out.drain()
}

// TestHandleSubmitDuplicateShare exercises spec.md §8 scenario 3: submitting
// the same (extranonce2, ntime, nonce) tuple against the same job twice
// must reject the second attempt as DUPLICATE_SHARE.
func TestHandleSubmitDuplicateShare(t *testing.T) {
	srv := newTestServer(t, "")
	srv.repo.Accept(sha256TestJob(1), true)

	sess := newTestSession(srv, "01ad557d")
	authorizeTestSession(t, sess)

	submit := mustRequest(t, `{"id":3,"method":"mining.submit","params":["user.worker1","1","0000000000000001","5f5e100","00000000"]}`)

	sess.handleSubmit(context.Background(), submit)
	sess.out.drain()

	sess.handleSubmit(context.Background(), submit)
	msgs := sess.out.drain()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 reply to the duplicate submit, got %d", len(msgs))
	}

	var reply protocol.Response
	if err := json.Unmarshal(msgs[0], &reply); err != nil {
		t.Fatalf("unmarshal submit reply: %v", err)
	}
	errArr, ok := reply.Error.([]interface{})
	if !ok || len(errArr) < 2 {
		t.Fatalf("expected a [code, message, data] error, got %#v", reply.Error)
	}
	if code, _ := errArr[0].(float64); int(code) != protocol.ErrDuplicateShare {
		t.Fatalf("expected error code %d, got %v", protocol.ErrDuplicateShare, errArr[0])
	}
}

// TestHandleSubmitUnauthorizedRejected confirms a submit before authorize
// never reaches share validation.
func TestHandleSubmitUnauthorizedRejected(t *testing.T) {
	srv := newTestServer(t, "")
	sess := newTestSession(srv, "01ad557d")
	sess.handleSubscribe(mustRequest(t, `{"id":1,"method":"mining.subscribe","params":["cgminer/1.0"]}`))
	sess.out.drain()

	submit := mustRequest(t, `{"id":3,"method":"mining.submit","params":["user.worker1","1","0000000000000001","5f5e100","00000000"]}`)
	sess.handleSubmit(context.Background(), submit)

	got := drainOne(t, sess)
	var reply protocol.Response
	if err := json.Unmarshal([]byte(got), &reply); err != nil {
		t.Fatalf("unmarshal submit reply: %v", err)
	}
	errArr, ok := reply.Error.([]interface{})
	if !ok || len(errArr) < 1 {
		t.Fatalf("expected an error tuple, got %#v", reply.Error)
	}
	if code, _ := errArr[0].(float64); int(code) != protocol.ErrUnauthorized {
		t.Fatalf("expected error code %d, got %v", protocol.ErrUnauthorized, errArr[0])
	}
}
