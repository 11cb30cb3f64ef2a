// Command groundctl exercises the grounding pipeline end to end against a
// configured Postgres-backed store and generation sidecar: one question
// in, a SchemaContextPacket and ranked SQL candidates out. It is a thin
// local-exercising front-end, not a production server — the MCP/HTTP
// transport layer stays out of scope per the Non-goals.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ground/pkg/config"
	"github.com/ekaya-inc/ekaya-ground/pkg/ground/pipeline"
	"github.com/ekaya-inc/ekaya-ground/pkg/sidecar"
	"github.com/ekaya-inc/ekaya-ground/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to env vars)")
	databaseID := flag.String("database-id", "", "the source database to ground against")
	question := flag.String("question", "", "the natural-language question to ground")
	env := flag.String("env", "local", "local or production, controls logger mode")
	flag.Parse()

	if *question == "" {
		log.Fatal("groundctl: -question is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("groundctl: failed to load config: %v", err)
	}

	var logger *zap.Logger
	if *env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("groundctl: failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, store.PoolConfig{
		ConnString: cfg.Database.ConnectionString(),
		MaxConns:   cfg.Database.PoolMaxConns,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pgStore := store.NewPostgresStore(pool, logger)

	sidecarClient, err := sidecar.NewClient(sidecar.Config{
		BaseURL: cfg.Sidecar.BaseURL,
		APIKey:  cfg.Sidecar.APIKey,
		Timeout: 30 * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize sidecar client", zap.Error(err))
	}

	p := pipeline.New(pgStore, pgStore, pgStore, sidecarClient, sidecarClient, pgStore, *cfg, logger)

	result, err := p.Run(ctx, *databaseID, *question)
	if err != nil {
		logger.Fatal("grounding run failed", zap.Error(err))
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Fatal("failed to marshal result", zap.Error(err))
	}
	fmt.Println(string(out))
}
