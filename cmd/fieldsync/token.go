package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldsync/internal/dispatchapi"
)

func newTokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token for the reference service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := dispatchapi.MintToken(secret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOrDefault("FIELDSYNC_JWT_SECRET", "dev-secret"), "HS256 signing secret")
	cmd.Flags().StringVar(&subject, "subject", envOrDefault("FIELDSYNC_TOKEN_SUBJECT", hostSubject()), "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", dispatchapi.AllScopes, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", durationEnv("FIELDSYNC_TOKEN_TTL", 12*time.Hour), "token lifetime")
	return cmd
}

func hostSubject() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "fieldsync-dev"
	}
	return "fieldsync@" + host
}
