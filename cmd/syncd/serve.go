package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capture-sync/internal/auth"
	"capture-sync/internal/config"
	"capture-sync/internal/domain"
	"capture-sync/internal/handler"
	"capture-sync/internal/remote"
	"capture-sync/internal/repository"
	"capture-sync/internal/service"
	"capture-sync/internal/watcher"
	"capture-sync/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	client, err := kivik.New("couch", cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("failed to create CouchDB client: %w", err)
	}
	defer client.Close()

	// The database is created on first contact; offline starts are fine.
	if err := ensureDatabase(ctx, client, cfg.Database.Name); err != nil {
		logger.Warn("remote database not checked", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.Store.BlobDir, 0o755); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}
	db, err := repository.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	opRepo := repository.NewOperationRepository(db)
	entityRepo := repository.NewEntityRepository(db)
	blobRepo := repository.NewBlobRepository(db)
	conflictRepo := repository.NewConflictRepository(db)
	metadataRepo := repository.NewSyncMetadataRepository(db)

	docs := remote.NewDocumentStore(client, cfg.Database.Name)
	blobStore := remote.NewBlobStore(client, cfg.Database.Name, cfg.Database.PublicURL())
	feed := remote.NewChangeFeed(client, cfg.Database.Name, logger)
	pinger := remote.NewPinger(client)

	tokens := auth.NewTokenFile(cfg.Auth.TokenFile, cfg.Auth.RefreshURL, logger)
	if err := tokens.Load(); err != nil {
		logger.Warn("credentials unavailable", zap.Error(err))
	}
	currentUser := func() string {
		if cfg.Auth.UserID != "" {
			return cfg.Auth.UserID
		}
		return tokens.UserID()
	}

	queueService := service.NewQueueService(opRepo, logger)
	cacheService := service.NewCacheService(entityRepo, queueService, logger)
	blobService := service.NewBlobService(blobRepo, opRepo, blobStore, cfg.Store.BlobDir, logger)
	conflictService := service.NewConflictService(conflictRepo, docs, cfg.Sync.DeletePolicy, logger)
	monitor := service.NewConnectivityService(pinger, tokens, cfg.Connectivity.Interval, cfg.Connectivity.Timeout, logger)
	syncService := service.NewSyncService(
		queueService,
		cacheService,
		blobService,
		conflictService,
		monitor,
		docs,
		metadataRepo,
		service.NewRetryPolicy(cfg.Sync.BaseDelay, cfg.Sync.MaxDelay, cfg.Sync.MaxAttempts),
		service.SyncOptions{
			Concurrency:       cfg.Sync.Concurrency,
			WriteTimeout:      cfg.Sync.WriteTimeout,
			Interval:          cfg.Sync.Interval,
			RemoteDeltaPolicy: cfg.Sync.RemoteDeltaPolicy,
		},
		logger,
	)
	captureService := service.NewCaptureService(queueService, cacheService, blobService, logger)

	if _, err := queueService.Recover(ctx); err != nil {
		return err
	}
	if err := cacheService.Load(ctx); err != nil {
		return err
	}
	if n, err := blobService.EvictUnreferenced(ctx); err != nil {
		logger.Warn("blob eviction failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("evicted uploaded blobs", zap.Int("count", n))
	}

	router := handler.NewRouter(handler.Handlers{
		Capture: handler.NewCaptureHandler(captureService),
		Entity:  handler.NewEntityHandler(cacheService),
		Sync:    handler.NewSyncHandler(syncService, conflictService),
		Health:  handler.NewHealthHandler(monitor),
	}, handler.RouterOptions{
		APIKey:         cfg.Server.APIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CurrentUser:    currentUser,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	runCtx := domain.WithUser(ctx, currentUser())
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return syncService.Run(gctx) })
	g.Go(func() error { return logFailures(gctx, syncService, logger) })

	if cfg.Sync.ChangesEnabled {
		g.Go(func() error {
			since, err := syncService.ResumeSequence(gctx)
			if err != nil {
				return err
			}
			changes, err := feed.Changes(gctx, since, cfg.Sync.Collections)
			if err != nil {
				return err
			}
			return syncService.ConsumeChanges(gctx, changes)
		})
	}

	if cfg.WebSocket.URL != "" {
		deviceID := cfg.WebSocket.DeviceID
		if deviceID == "" {
			deviceID = uuid.New().String()
		}
		listener := websocket.NewListener(websocket.Options{
			URL:         cfg.WebSocket.URL,
			DeviceID:    deviceID,
			Collections: cfg.Sync.Collections,
			WriteWait:   cfg.WebSocket.WriteWait,
			PongWait:    cfg.WebSocket.PongWait,
			PingPeriod:  cfg.WebSocket.PingPeriod,
			MinBackoff:  cfg.Sync.BaseDelay,
			MaxBackoff:  cfg.Sync.MaxDelay,
		}, tokens, syncService, logger)
		g.Go(func() error { return listener.Run(gctx) })
	}

	if cfg.Store.InboxDir != "" {
		inbox := watcher.NewInboxWatcher(cfg.Store.InboxDir, captureService, logger)
		g.Go(func() error { return inbox.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("local API listening",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Server.Env),
			zap.String("couchdb", fmt.Sprintf("%s:%s", cfg.Database.Host, cfg.Database.Port)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("local API failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("syncd stopped")
	return err
}

func ensureDatabase(ctx context.Context, client *kivik.Client, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.CreateDB(ctx, name); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

func logFailures(ctx context.Context, syncService *service.SyncService, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-syncService.Failures():
			logger.Error("operation failed permanently",
				zap.Int64("seq", op.Seq),
				zap.String("entity_type", op.EntityType),
				zap.String("entity_id", op.EntityID),
				zap.String("kind", string(op.Kind)),
				zap.String("error", op.LastError),
			)
		}
	}
}
