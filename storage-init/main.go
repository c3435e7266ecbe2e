package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"board-stream/config"
	"board-stream/storage"
)

func main() {
	cfg, err := config.Read()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Storage.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.WithField("backend", cfg.Storage.Backend).Info("storage init starting")

	ctx := context.Background()
	switch cfg.Storage.Backend {
	case config.BackendTables:
		if err := storage.EnsureTables(ctx, cfg.Storage.ConnectionString, cfg.Storage.ItemsTable); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if err := storage.EnsureQueues(ctx, cfg.Storage.ConnectionString, cfg.Storage.ReconcileQueue); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	case config.BackendSQLite, config.BackendPostgres:
		// OpenSQL applies the schema.
		s, err := storage.OpenSQL(ctx, cfg.Storage.Backend, cfg.Storage.SQLDSN)
		if err != nil {
			log.Fatalf("migrate: %v", err)
		}
		s.Close()
	default:
		log.Info("nothing to provision for the memory backend")
	}

	log.Info("storage init complete")
}
