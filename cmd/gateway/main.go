package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tenantgate/internal/audit"
	"tenantgate/internal/credentials"
	"tenantgate/internal/server"
	"tenantgate/pkg/config"
	pdb "tenantgate/pkg/db"
	"tenantgate/pkg/kv"
	"tenantgate/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store kv.Store
	if rdb := pdb.MustRedis(cfg, log); rdb != nil {
		defer rdb.Close()
		store = kv.NewRedis(rdb, "tenantgate:", cfg.StoreTimeout)
	} else {
		if cfg.Env == "prod" {
			log.Fatal("REDIS_URL is required in prod")
		}
		log.Warn("REDIS_URL not set: lockout and handshake state are process-local")
		store = kv.NewMemory()
	}

	pool := pdb.MustConnect(cfg, log)
	var verifier credentials.Verifier
	if pool != nil {
		defer pool.Close()
		if err := audit.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("audit schema", "err", err)
		}
		if err := credentials.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("users schema", "err", err)
		}
		verifier = credentials.NewPostgres(pool, log)
	} else {
		mem, err := credentials.NewMemoryFromEnv(log)
		if err != nil {
			log.Fatalw("USER_SEED_JSON", "err", err)
		}
		verifier = mem
	}

	srv, err := server.New(cfg, log, server.Deps{
		Store:    store,
		Verifier: verifier,
		Events:   audit.NewSink(log, pool),
	})
	if err != nil {
		log.Fatalw("server init", "err", err)
	}
	if err := srv.Run(ctx); err != nil {
		log.Fatalw("server", "err", err)
	}
	log.Info("tenantgate stopped")
}
