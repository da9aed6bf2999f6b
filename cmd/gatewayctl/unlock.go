package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"tenantgate/internal/attempts"
	"tenantgate/pkg/config"
)

var errNoRedis = errors.New("REDIS_URL must point at the gateway's store")

func newUnlockCmd() *cobra.Command {
	var principal, ip, tenant, actor string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear a lockout for a principal and IP pair, or for an IP",
		Example: `  gatewayctl unlock --principal alice --ip 198.51.100.10
  gatewayctl unlock --ip 198.51.100.10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ip == "" {
				return errors.New("--ip is required")
			}
			cfg := config.Load()
			if cfg.LockoutScope == config.ScopeTenant && principal != "" && tenant == "" {
				return errors.New("--tenant is required when lockouts are tenant scoped")
			}
			t, closeFn, err := tracker(cfg)
			if err != nil {
				return err
			}
			defer closeFn()
			if actor == "" {
				actor = operator()
			}
			key := attempts.Key{Principal: principal, IP: ip, Tenant: tenant}
			if err := t.Unlock(cmd.Context(), key, actor); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "unlocked")
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "username; omit to clear the IP-level record")
	cmd.Flags().StringVar(&ip, "ip", "", "client IP address")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (tenant-scoped lockouts only)")
	cmd.Flags().StringVar(&actor, "actor", "", "recorded as the unlocking operator (default: local user)")
	return cmd
}

func operator() string {
	if u, err := user.Current(); err == nil {
		return "cli:" + u.Username
	}
	if h, err := os.Hostname(); err == nil {
		return "cli@" + h
	}
	return "cli"
}
