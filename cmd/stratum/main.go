// Package main is the entry point for the Stratum mining pool server.
// It handles configuration loading, logger initialization, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lodestar-pool/stratum-core/internal/config"
	"github.com/lodestar-pool/stratum-core/internal/jobmaker"
	"github.com/lodestar-pool/stratum-core/internal/jobrepo"
	"github.com/lodestar-pool/stratum-core/internal/protocol"
	"github.com/lodestar-pool/stratum-core/internal/server"
	"github.com/lodestar-pool/stratum-core/internal/storage"
	"github.com/lodestar-pool/stratum-core/internal/worker"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stratum mining pool server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisStorage, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisStorage.Close()

	pgStorage, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pgStorage.Close()

	diffCfg := protocol.DifficultyConfig{
		InitialDifficulty: cfg.Mining.InitialDifficulty,
		MinDifficulty:     cfg.Mining.MinDifficulty,
		MaxDifficulty:     cfg.Mining.MaxDifficulty,
		TargetShareTime:   cfg.Mining.TargetShareTime,
		RetargetTime:      cfg.Mining.RetargetTime,
		VariancePercent:   cfg.Mining.VariancePercent,
	}
	workerManager := worker.NewManager(logger, diffCfg, redisStorage, pgStorage)

	shareLog := storage.NewShareLog(pgStorage)
	solvedLog := storage.NewSolvedBlockLog(pgStorage)
	dupChecker := storage.NewDuplicateChecker(redisStorage)

	// Server and Repository are mutually referential (the Repository
	// broadcasts through the Server, the Server's sessions read jobs from
	// the Repository), so construction happens in two steps.
	srv := server.New(cfg, logger, workerManager, shareLog, solvedLog, dupChecker)
	repo := jobrepo.NewRepository(logger, srv)
	srv.SetRepository(repo)

	jobTopic := storage.NewJobTopic(redisStorage, cfg.JobMaker.JobTopicChannel)
	repo.SetPublisher(jobTopic)
	go jobTopic.Run(ctx, repo.AcceptRemote)

	jm := jobmaker.New(jobmaker.Config{
		JobInterval:       cfg.JobMaker.JobInterval,
		GbtLifeTime:       cfg.JobMaker.GbtLifeTime,
		EmptyGbtLifeTime:  cfg.JobMaker.EmptyGbtLifeTime,
		ServerID:          cfg.JobMaker.ServerID,
		PoolCoinbaseTag:   cfg.JobMaker.PoolCoinbaseTag,
		MergeMiningPolicy: cfg.JobMaker.MergeMiningPolicy,
	}, logger, repo)
	jm.StartTimer()
	defer jm.Stop()

	rawGbtFeed := storage.NewJobTopic(redisStorage, cfg.JobMaker.RawGbtChannel)
	auxPowFeed := storage.NewJobTopic(redisStorage, cfg.JobMaker.AuxPowChannel)
	sidechainFeed := storage.NewJobTopic(redisStorage, cfg.JobMaker.SidechainChannel)
	go jm.RunRawGbtFeed(ctx, rawGbtFeed)
	go jm.RunAuxPowFeed(ctx, auxPowFeed)
	go jm.RunSidechainFeed(ctx, sidechainFeed)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				workerManager.CleanupInactive(ctx, 15*time.Minute)
			}
		}
	}()

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	if cfg.Server.Metrics.Enabled {
		go func() {
			if err := srv.StartMetricsServer(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("server shutdown complete")
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}
