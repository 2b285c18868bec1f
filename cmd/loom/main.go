package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/loom/internal/api"
	"github.com/seantiz/loom/internal/cache"
	"github.com/seantiz/loom/internal/config"
	"github.com/seantiz/loom/internal/engine"
	"github.com/seantiz/loom/internal/evaluator"
	"github.com/seantiz/loom/internal/pipeline"
	"github.com/seantiz/loom/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("loom: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"default_ttl", cfg.DefaultTTL,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	st := store.NewRetryingStore(db, cfg.StoreRetries)

	reg := evaluator.NewRegistry()
	reg.Register(evaluator.DefaultChannel, evaluator.NewLocal(cfg.EvalWorkers))

	// Assign the sender through the interface only when configured, so an
	// unconfigured pipeline sees a true nil rather than a typed nil pointer.
	var emailSender pipeline.EmailSender
	if sg := pipeline.NewSendGridSender(cfg.SendGridKey, cfg.EmailFrom); sg != nil {
		emailSender = sg
	}
	p := pipeline.New(cfg.ResultsDir, cfg.CatalogDir, cfg.BaseURL, emailSender)

	c := cache.New()
	eng := engine.New(st, c, reg, p, logger, engine.Options{
		DefaultTTL:    cfg.DefaultTTL,
		CacheFailures: cfg.CacheFailures,
	})

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	reaper := engine.NewReaper(st, c, eng, p, logger, cfg.ReapInterval)
	go reaper.Run(reaperCtx)

	srv := api.NewServer(cfg.ListenAddr, eng, p, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight jobs finish before closing the store.
	stopReaper()
	eng.Wait()
	logger.Info("loom: stopped")
}
