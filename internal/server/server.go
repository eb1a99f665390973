// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/lodestar-pool/stratum-core/internal/config"
	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/sharepipeline"
	"github.com/lodestar-pool/stratum-core/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_connections",
		Help: "Number of active connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_total_connections",
		Help: "Total number of connections",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connection_errors",
		Help: "Total number of connection errors",
	})
)

func init() {
	prometheus.MustRegister(activeConnections)
	prometheus.MustRegister(totalConnections)
	prometheus.MustRegister(connectionErrors)
}

// Server owns every live miner connection on this process, the Job
// Repository's broadcaster side, and the extraNonce1 allocation that keeps
// every live session's coinbase-embedded nonce unique.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	workers   *worker.Manager
	repo      *jobrepo.Repository
	shareLog  sharepipeline.ShareLogPublisher
	solvedLog sharepipeline.SolvedBlockPublisher
	dup       sharepipeline.DuplicateShareChecker

	listener      net.Listener
	metricsServer *http.Server

	// sessions is guarded by mu, a reader-writer lock: the broadcaster
	// takes the read lock to iterate authenticated sessions while
	// accept/close take the write lock to add or remove one, per the
	// concurrency model's session-table discipline.
	mu          sync.RWMutex
	sessions    map[string]*Session // keyed by extraNonce1 hex
	nextNonce1  uint32
	connCount   int64
	shutdown    int32
	wg          sync.WaitGroup
}

// New creates a Stratum server bound to its collaborators. shareLog and
// solvedLog may be nil, in which case shares are classified and replied to
// but never published downstream. dup is the optional external
// DuplicateShareChecker ETH-family dialects consult in addition to their
// in-session LocalJob seen-set; nil disables the check. The Job Repository
// is supplied separately via SetRepository, since the Repository's
// Broadcaster is this same Server and the two must be constructed in
// sequence.
func New(cfg *config.Config, logger *zap.Logger, workers *worker.Manager, shareLog sharepipeline.ShareLogPublisher, solvedLog sharepipeline.SolvedBlockPublisher, dup sharepipeline.DuplicateShareChecker) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.Named("server"),
		workers:   workers,
		shareLog:  shareLog,
		solvedLog: solvedLog,
		dup:       dup,
		sessions:  make(map[string]*Session),
	}
}

// SetRepository attaches the Job Repository sessions read jobs from. Must
// be called once before Start.
func (s *Server) SetRepository(repo *jobrepo.Repository) {
	s.repo = repo
}

// Start begins listening for and accepting miner connections. It returns an
// error if the listener cannot be created, nil once Shutdown has closed the
// listener, and ctx's error if ctx is found cancelled between accepts; other
// accept errors are logged and the loop continues.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	var listener net.Listener
	var err error
	if s.cfg.Server.TLS.Enabled {
		listener, err = s.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("server started",
		zap.String("address", addr),
		zap.Bool("tls", s.cfg.Server.TLS.Enabled),
		zap.Int("max_connections", s.cfg.Server.MaxConnections),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shutdown) == 1 {
				return nil
			}
			s.logger.Error("failed to accept connection", zap.Error(err))
			connectionErrors.Inc()
			continue
		}

		if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.Server.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting connection",
				zap.String("remote_addr", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// createTLSListener creates a TLS-enabled listener.
func (s *Server) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

// handleConnection registers conn under a freshly allocated extraNonce1 and
// runs its Session Engine state machine until disconnect.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	atomic.AddInt64(&s.connCount, 1)
	activeConnections.Inc()
	totalConnections.Inc()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		activeConnections.Dec()
	}()

	extraNonce1 := s.allocateExtraNonce1()
	sess := newSession(s, conn, extraNonce1)

	s.mu.Lock()
	s.sessions[extraNonce1] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, extraNonce1)
		s.mu.Unlock()
	}()

	s.logger.Debug("new connection",
		zap.String("session_id", sess.id),
		zap.String("extranonce1", extraNonce1),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	sess.Run(ctx)
}

// allocateExtraNonce1 hands out a 24-bit value unique among this server's
// live sessions. A monotonic counter covers the common case in O(1); on the
// rare wraparound collision it probes forward until a free slot is found.
func (s *Server) allocateExtraNonce1() string {
	for {
		n := atomic.AddUint32(&s.nextNonce1, 1) & 0xFFFFFF
		hex := fmt.Sprintf("%06x", n)

		s.mu.RLock()
		_, taken := s.sessions[hex]
		s.mu.RUnlock()
		if !taken {
			return hex
		}
	}
}

// Broadcast satisfies jobrepo.Broadcaster: on each accepted new job, every
// authenticated session gets a mining.notify. Iteration holds only the read
// lock; per-session delivery is handed off to that session's own outbox so
// this never blocks on a slow miner's socket.
func (s *Server) Broadcast(ex *jobrepo.StratumJobEx) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.getState() < stateAuthenticated {
			continue
		}
		sess.sendJob(ex, false)
	}
}

// StartMetricsServer starts the Prometheus metrics HTTP endpoint. Blocks
// until the server stops or errors.
func (s *Server) StartMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.metricsServer = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("metrics server started", zap.String("address", addr))
	return s.metricsServer.ListenAndServe()
}

// Shutdown stops accepting new connections and terminates every live
// session, closing its connection at once; messages still waiting in a
// session's outbox are discarded, not flushed. It then waits for the
// sessions' Run loops to return or for ctx to end, and stops the metrics
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.terminate()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed")
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, some sessions may be forcefully closed")
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}
	return nil
}

// ConnectionCount returns the current number of active sessions.
func (s *Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}
