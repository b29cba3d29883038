package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/voorleeslab/voorlees/internal/backup"
	"github.com/voorleeslab/voorlees/internal/blob"
	"github.com/voorleeslab/voorlees/internal/config"
	"github.com/voorleeslab/voorlees/internal/httpapi"
	"github.com/voorleeslab/voorlees/internal/library"
	"github.com/voorleeslab/voorlees/internal/remote"
	"github.com/voorleeslab/voorlees/internal/syncer"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Prefix:          "voorlees",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("could not load config", "error", err)
	}
	if level, parseErr := charmlog.ParseLevel(cfg.LogLvl); parseErr == nil {
		logger.SetLevel(level)
	}

	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		logger.Fatal("could not create state directory", "dir", cfg.State.Dir, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateBackend, err := library.BuildStateBackendFromDSN(cfg.State.StateDSN)
	if err != nil {
		logger.Fatal("could not build state backend", "dsn", cfg.State.StateDSN, "error", err)
	}
	store := library.NewStore(library.StoreOptions{
		Backend:    stateBackend,
		QuotaBytes: cfg.State.QuotaBytes,
		Logger:     logger,
	})

	queue, err := library.NewPendingQueue(library.PendingQueueOptions{
		Path:       cfg.State.QueueFile,
		MaxRetries: cfg.Sync.MaxRetries,
		MaxAge:     cfg.Sync.MaxOpAge,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("could not open pending queue", "path", cfg.State.QueueFile, "error", err)
	}

	remoteStore, err := remote.BuildStoreFromDSN(cfg.Remote.DSN, remote.FactoryOptions{
		Token:  cfg.Remote.Token,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("could not build remote store", "error", err)
	}
	if pg, ok := remoteStore.(*remote.PostgresStore); ok {
		schemaCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := pg.EnsureSchema(schemaCtx, []string{
			library.CollectionBooks,
			library.CollectionChapters,
			library.CollectionRecordings,
			library.CollectionUsers,
		})
		cancel()
		if err != nil {
			logger.Fatal("could not prepare remote schema", "error", err)
		}
	}

	audio, err := blob.BuildBackendFromDSN(cfg.Audio.DSN, blob.FactoryOptions{
		AccessKey: cfg.Audio.AccessKey,
		SecretKey: cfg.Audio.SecretKey,
		Bucket:    cfg.Audio.Bucket,
		PublicURL: cfg.Audio.PublicURL,
		Quota:     store,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("could not build audio backend", "error", err)
	}
	if mb, ok := audio.(*blob.MinIOBackend); ok {
		bucketCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := mb.EnsureBucket(bucketCtx); err != nil {
			logger.Warn("could not ensure audio bucket", "error", err)
		}
		cancel()
	}

	backupLog, err := backup.New(backup.Options{Dir: cfg.Backup.Dir, Logger: logger})
	if err != nil {
		logger.Fatal("could not open recording backup", "dir", cfg.Backup.Dir, "error", err)
	}
	if meta := backupLog.Recoverable(); meta != nil {
		logger.Info("recoverable recording session found",
			"session", meta.SessionID,
			"chapter", meta.ChapterID,
			"chunks", meta.ChunkCount)
	}

	lib, err := library.NewLibrary(library.LibraryOptions{
		Store:  store,
		Queue:  queue,
		Remote: remoteStore,
		Audio:  audio,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("could not build library", "error", err)
	}
	if chapters, recordings := lib.CleanupOrphans(ctx); chapters > 0 || recordings > 0 {
		logger.Info("removed orphaned rows", "chapters", chapters, "recordings", recordings)
	}

	sync, err := syncer.New(syncer.Options{
		Store:     store,
		Queue:     queue,
		Remote:    remoteStore,
		QueuePath: cfg.State.QueueFile,
		Interval:  cfg.Sync.Interval,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("could not build syncer", "error", err)
	}

	server := httpapi.NewServerWithConfig(store, sync, httpapi.ServerConfig{
		Token: cfg.Listen.Token,
	})
	httpServer := &http.Server{
		Addr:    cfg.Listen.Address,
		Handler: server,
	}

	go func() {
		if err := sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync loop stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("voorlees listening", "addr", cfg.Listen.Address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", "error", err)
	}

	if remoteStore != nil {
		_ = remoteStore.Close()
	}
	logger.Info("shutdown complete")
}
