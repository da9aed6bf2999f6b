package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tenantgate/internal/tenant"
	"tenantgate/pkg/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue or inspect access tokens"}

	var subject, tid, role string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with the gateway secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			if !tenant.Valid(tid) {
				return fmt.Errorf("--tenant %q is not a valid tenant id", tid)
			}
			svc, err := tokenService(config.Load())
			if err != nil {
				return err
			}
			raw, err := svc.Issue(subject, tid, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject")
	issue.Flags().StringVar(&tid, "tenant", "", "tenant id")
	issue.Flags().StringVar(&role, "role", "member", "role claim")
	issue.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "lifetime")

	verify := &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Verify a token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := tokenService(config.Load())
			if err != nil {
				return err
			}
			claims, err := svc.Verify(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claims)
		},
	}

	cmd.AddCommand(issue, verify)
	return cmd
}
