package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/curanote/backend/config"
	"github.com/curanote/backend/internal/access"
	"github.com/curanote/backend/internal/auth"
	"github.com/curanote/backend/internal/middleware"
	"github.com/curanote/backend/internal/profiles"
	"github.com/curanote/backend/internal/recordings"
	"github.com/curanote/backend/pkg/database"
	"github.com/curanote/backend/pkg/queue"
	"github.com/curanote/backend/pkg/redis"
	"github.com/curanote/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

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

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	authRepo := auth.NewRepository(pool)
	profileRepo := profiles.NewRepository(pool)
	recordingRepo := recordings.NewRepository(pool)

	cache := access.NewCache(profileRepo, logger)
	go cache.Sweep(ctx)

	jobs := queue.NewQueue(rdb.Client, logger)
	tracker := recordings.NewTracker(recordingRepo, cache, jobs, logger)

	authHandler := auth.NewHandler(authRepo, profileRepo, jwtService, logger)
	profileHandler := profiles.NewHandler(profileRepo, authRepo, cache, logger)
	recordingHandler := recordings.NewHandler(recordingRepo, tracker, cache, profileRepo, s3, logger)

	router := newRouter(cfg, logger, jwtService, authHandler, profileHandler, recordingHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newRouter(cfg *config.Config, logger *zap.Logger, jwtService *auth.JWTService,
	authHandler *auth.Handler, profileHandler *profiles.Handler, recordingHandler *recordings.Handler) *gin.Engine {

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	{
		api.POST("/auth/register", authHandler.Register)
		api.POST("/auth/login", authHandler.Login)

		authed := api.Group("")
		authed.Use(middleware.JWT(jwtService))
		{
			authed.GET("/profiles", profileHandler.List)
			authed.POST("/profiles", profileHandler.Create)
			authed.POST("/profiles/:id/grants", profileHandler.Grant)

			authed.GET("/recordings", recordingHandler.List)
			authed.POST("/recordings/upload-url", recordingHandler.CreateUploadURL)
			authed.GET("/recordings/:id", recordingHandler.Get)
			authed.POST("/recordings/:id/status", recordingHandler.UpdateStatus)
			authed.GET("/recordings/:id/playback-url", recordingHandler.PlaybackURL)
			authed.PUT("/recordings/:id", recordingHandler.Rename)
			authed.DELETE("/recordings/:id", recordingHandler.Delete)
			authed.POST("/recordings/:id/retry-transcription", recordingHandler.RetryTranscription)
		}
	}
	return router
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
