package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"tenantgate/internal/credentials"
	"tenantgate/internal/tenant"
	"tenantgate/pkg/config"
	pdb "tenantgate/pkg/db"
	"tenantgate/pkg/logger"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage password credentials in Postgres"}

	var tid, username, subject, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a user; the password is read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !tenant.Valid(tid) {
				return fmt.Errorf("--tenant %q is not a valid tenant id", tid)
			}
			if username == "" {
				return errors.New("--username is required")
			}
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			log := logger.New(cfg.Env)
			pool := pdb.MustConnect(cfg, log)
			defer pool.Close()
			if err := credentials.EnsureSchema(cmd.Context(), pool); err != nil {
				return err
			}
			if err := credentials.NewPostgres(pool, log).Upsert(cmd.Context(), tid, username, subject, role, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved in tenant %s\n", strings.ToLower(username), tid)
			return nil
		},
	}
	add.Flags().StringVar(&tid, "tenant", "", "tenant id")
	add.Flags().StringVar(&username, "username", "", "login name")
	add.Flags().StringVar(&subject, "subject", "", "token subject (default: username)")
	add.Flags().StringVar(&role, "role", "member", "role claim")

	cmd.AddCommand(add)
	return cmd
}

func readSecret(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, credentials.MaxSecretLen+2))
	if err != nil {
		return "", err
	}
	s := strings.TrimRight(string(b), "\r\n")
	switch {
	case s == "":
		return "", errors.New("empty password on stdin")
	case len(s) > credentials.MaxSecretLen:
		return "", fmt.Errorf("password longer than %d bytes", credentials.MaxSecretLen)
	}
	return s, nil
}

