package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"peerfetch/internal/auth"
	"peerfetch/internal/config"
	"peerfetch/internal/engine"
	apphttp "peerfetch/internal/http"
	"peerfetch/internal/repository/sqlite"
	"peerfetch/internal/service"
	"peerfetch/internal/storage"
	"peerfetch/internal/transport/local"
	"peerfetch/internal/transport/sim"
	"peerfetch/internal/transport/swarm"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	historyRepo := sqlite.NewHistoryRepository(db)
	snapshotRepo := sqlite.NewSnapshotRepository(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := historyRepo.Init(ctx); err != nil {
		logger.Fatalf("init history repository: %v", err)
	}
	if err := snapshotRepo.Init(ctx); err != nil {
		logger.Fatalf("init snapshot repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	fs := afero.NewOsFs()
	store := local.NewStore(fs, cfg.Store.Root)
	suite := sim.NewSuite(sim.Options{
		BytesPerSecond: cfg.Network.BytesPerSecond,
		Fs:             fs,
		Logger:         logger,
	})

	col := engine.Collaborators{
		Resolver: store,
		Chunks:   suite,
		Multi:    suite.Multi(),
		Stream:   suite.Stream(),
		Decrypt:  suite,
		Settler:  suite,
	}

	var swarmFetcher *swarm.Fetcher
	if strings.EqualFold(cfg.Network.Mode, "swarm") {
		swarmFetcher, err = swarm.NewFetcher(swarm.Config{
			DataDir: cfg.Network.DataDir,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatalf("start swarm transport: %v", err)
		}
		defer swarmFetcher.Close()
		col.Stream = swarmFetcher
		logger.Info("swarm network mode enabled")
	}

	eng := engine.New(engine.Config{
		MaxConcurrent:        cfg.Engine.MaxConcurrent,
		AutoStart:            cfg.Engine.AutoStart,
		MultiSourceThreshold: cfg.Engine.MultiSourceThreshold,
		MaxPeers:             cfg.Engine.MaxPeers,
		SnapshotMaxAge:       time.Duration(cfg.Engine.SnapshotMaxAgeHours) * time.Hour,
		BytesPerCredit:       cfg.Settlement.BytesPerCredit,
		StagingDir:           cfg.Engine.StagingDir,
		Logger:               logger,
	}, col, historyRepo, snapshotRepo)

	if cfg.Archive.Bucket != "" {
		archiver, err := buildArchiver(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup archive storage: %v", err)
		}
		eng.SetArchiver(archiver)
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatalf("start engine: %v", err)
	}
	if err := eng.RestoreFromSnapshot(ctx); err != nil {
		logger.Warnf("restore snapshot: %v", err)
	}

	historySvc := service.NewHistoryService(historyRepo)

	var authSvc *auth.Service
	if strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
		authSvc = auth.NewService(
			userRepo,
			cfg.Auth.RegisterPassword,
			cfg.Auth.JWTSecret,
			time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
		)
	} else {
		logger.Warn("auth jwt secret not set, API is unauthenticated")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(eng, historySvc, authSvc)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	eng.Shutdown()

	logger.Info("bye")
}

func buildArchiver(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Archive.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving completed downloads to s3 bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
	return storage.NewS3Service(client, cfg.Archive.Bucket, cfg.Archive.KeyPrefix), nil
}
