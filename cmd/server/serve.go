package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"segmentd/internal/classify"
	"segmentd/internal/config"
	"segmentd/internal/downloader"
	"segmentd/internal/events"
	"segmentd/internal/fetch"
	apphttp "segmentd/internal/http"
	"segmentd/internal/probe"
	"segmentd/internal/process"
	"segmentd/internal/repository/sqlite"
	"segmentd/internal/retry"
	"segmentd/internal/service"
	"segmentd/internal/speed"
	"segmentd/internal/storage"
	"segmentd/internal/torrentmeta"
	"segmentd/internal/units"
)

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)
	fileRepo := sqlite.NewTaskFileRepository(db)
	if err := taskRepo.Init(ctx); err != nil {
		return fmt.Errorf("init task repository: %w", err)
	}
	if err := fileRepo.Init(ctx); err != nil {
		return fmt.Errorf("init file repository: %w", err)
	}
	taskService := service.NewTaskService(taskRepo, fileRepo)

	authService := service.NewAuthService(service.AuthConfig{
		JWTSecret:    cfg.Auth.JWTSecret,
		PasswordHash: cfg.Auth.PasswordHash,
		TokenTTL:     cfg.Auth.TokenTTL,
	})
	if !authService.Enabled() {
		logger.Warn("auth.jwtsecret is empty, the API is unauthenticated")
		if !isLoopback(cfg.Server.Addr) {
			return fmt.Errorf("refusing to serve %s without auth.jwtsecret", cfg.Server.Addr)
		}
	}

	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup storage: %w", err)
	}

	resolver := newResolver(cfg, logger)
	advisor := newAdvisor(cfg, logger)
	supervisor := process.NewSupervisor(process.Config{
		StopGrace:     cfg.Download.StopGrace,
		SweepInterval: cfg.Process.SweepInterval,
		Logger:        logger,
	})
	broker := events.NewBroker()

	manager := downloader.NewManager(downloader.Config{
		DownloadRoot:   cfg.Download.Dir,
		MaxConcurrent:  cfg.Download.MaxConcurrent,
		StatusInterval: cfg.Download.StatusInterval,
		Aria2Path:      cfg.Download.Aria2Path,
		MinSplitSize:   cfg.Download.MinSplitSize,
		DownloadLimit:  units.ParseSize(cfg.Download.DownloadLimit),
		UploadLimit:    units.ParseSize(cfg.Download.UploadLimit),
		DiskMargin:     units.ParseSize(cfg.Download.DiskMargin),
		UserAgent:      cfg.Fetch.UserAgent,
		StallTimeout:   cfg.Download.StallTimeout,
		MaxTries:       cfg.Download.MaxTries,
		AutoResume:     cfg.Download.AutoResume,
		Retry: retry.Backoff{
			MaxRetries: cfg.Download.MaxRetries,
			Base:       cfg.Download.RetryBaseDelay,
			Max:        cfg.Download.RetryMaxDelay,
			Factor:     2,
			Jitter:     true,
		},
		Archive: cfg.Storage.Archive,
		Logger:  logger,
	}, downloader.Deps{
		Tasks:    taskService,
		Resolver: resolver,
		Prober:   advisor,
		Torrents: torrentmeta.NewInspector(nil),
		Speed: speed.NewTracker(speed.Config{
			GraceWindow:   cfg.Speed.GraceWindow,
			MinResolution: cfg.Speed.MinResolution,
			HoldWindow:    cfg.Speed.HoldWindow,
		}),
		Supervisor: supervisor,
		Events:     broker,
		Archiver:   archiver,
	})

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Manager:  manager,
		Resolver: resolver,
		Prober:   advisor,
		Auth:     authService,
		Archiver: archiver,
		Logger:   logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Errorf("http server: %v", err)
		}
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown(shutdownCtx)

	logger.Info("bye")
	return nil
}

func newResolver(cfg config.Config, logger *logrus.Logger) *fetch.Resolver {
	client := &http.Client{Timeout: cfg.Probe.Timeout}
	classifier := classify.New(classify.Config{
		Fetcher:          classify.NewHTTPRangeFetcher(client, cfg.Fetch.UserAgent),
		OptimisticAccept: cfg.Fetch.OptimisticAccept,
		Logger:           logger,
	})
	return fetch.NewResolver(fetch.Config{
		Classifier:     classifier,
		UserAgent:      cfg.Fetch.UserAgent,
		RequestTimeout: cfg.Fetch.Timeout,
		MaxHops:        cfg.Fetch.MaxRedirects,
		Logger:         logger,
	})
}

func newAdvisor(cfg config.Config, logger *logrus.Logger) *probe.Advisor {
	return probe.NewAdvisor(probe.Config{
		Timeout:   cfg.Probe.Timeout,
		UserAgent: cfg.Fetch.UserAgent,
		Logger:    logger,
	})
}

// buildArchiver returns nil when no bucket is configured; archiving and the
// storage endpoints are then disabled.
func buildArchiver(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Archiver, error) {
	if cfg.Storage.Bucket == "" {
		if cfg.Storage.Archive {
			return nil, storage.ErrBucketRequired
		}
		return nil, nil
	}
	archiver, err := storage.NewS3Archiver(ctx, storage.S3Config{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Region:    cfg.Storage.Region,
		Endpoint:  cfg.Storage.Endpoint,
		Profile:   cfg.AWS.Profile,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return archiver, nil
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}
