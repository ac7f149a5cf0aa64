package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/curanote/backend/config"
	"github.com/curanote/backend/internal/audio"
	"github.com/curanote/backend/internal/extract"
	"github.com/curanote/backend/internal/recordings"
	"github.com/curanote/backend/internal/transcribe"
	"github.com/curanote/backend/internal/worker"
	"github.com/curanote/backend/pkg/database"
	"github.com/curanote/backend/pkg/queue"
	"github.com/curanote/backend/pkg/redis"
	"github.com/curanote/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer rdb.Close()

	s3, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		AudioBucket:          cfg.AWS.AudioBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("init s3", zap.Error(err))
	}

	normalizer := audio.NewNormalizer(logger)
	if err := normalizer.Available(); err != nil {
		logger.Warn("audio tooling unavailable, jobs will fail until ffmpeg is installed", zap.Error(err))
	}

	transcriber := transcribe.NewClient(
		cfg.Speech.URL,
		cfg.Speech.APIKey,
		time.Duration(cfg.Speech.TimeoutSec)*time.Second,
	)
	extractor := extract.NewClient(
		cfg.Extraction.URL,
		cfg.Extraction.APIKey,
		cfg.Extraction.Model,
		time.Duration(cfg.Extraction.TimeoutSec)*time.Second,
		logger,
	)

	repo := recordings.NewRepository(pool)
	jobs := queue.NewQueue(rdb.Client, logger)

	workers := worker.NewPool(worker.Config{
		Count:           cfg.Worker.Count,
		DownloadTimeout: time.Duration(cfg.Worker.DownloadTimeoutSec) * time.Second,
		MaxAudioBytes:   cfg.Worker.MaxAudioBytes,
	}, jobs, repo, s3, normalizer, transcriber, extractor, logger)

	logger.Info("worker pool starting", zap.Int("workers", cfg.Worker.Count))
	workers.Run(ctx)
	logger.Info("worker pool stopped")
}

func newLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig = encCfg
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
