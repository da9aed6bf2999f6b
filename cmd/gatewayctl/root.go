package main

import (
	"github.com/spf13/cobra"

	"tenantgate/internal/attempts"
	"tenantgate/internal/audit"
	"tenantgate/internal/token"
	"tenantgate/pkg/config"
	pdb "tenantgate/pkg/db"
	"tenantgate/pkg/kv"
	"tenantgate/pkg/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Operator tooling for tenantgate",
		Long: `gatewayctl talks to the same shared store and database as the gateway.
It reads the gateway's environment (or .env) for connection settings.`,
		SilenceUsage: true,
	}
	root.AddCommand(newUnlockCmd(), newTokenCmd(), newUserCmd())
	return root
}

// tokenService builds a token service from the gateway's settings.
func tokenService(cfg config.Config) (*token.Service, error) {
	return token.NewService([]byte(cfg.TokenSecret), cfg.TokenAlg,
		token.WithIssuer(cfg.TokenIssuer), token.WithSkew(cfg.ClockSkew))
}

// tracker connects to the shared store. Unlocks against a process-local
// store would be meaningless, so REDIS_URL is mandatory here.
func tracker(cfg config.Config) (*attempts.Tracker, func(), error) {
	log := logger.New(cfg.Env)
	rdb := pdb.MustRedis(cfg, log)
	if rdb == nil {
		return nil, nil, errNoRedis
	}
	pool := pdb.MustConnect(cfg, log)
	closeFn := func() {
		_ = rdb.Close()
		if pool != nil {
			pool.Close()
		}
	}
	t := attempts.New(kv.NewRedis(rdb, "tenantgate:", cfg.StoreTimeout), log,
		attempts.WithTenantScope(cfg.LockoutScope == config.ScopeTenant),
		attempts.WithEvents(audit.NewSink(log, pool)),
	)
	return t, closeFn, nil
}
