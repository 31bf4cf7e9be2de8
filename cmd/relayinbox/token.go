package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayinbox/internal/httpapi"
)

func newTokenCmd() *cobra.Command {
	var (
		secret   string
		subject  string
		scopes   []string
		channels []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed stream or admin token",
		Example: `  relayinbox token --subject agent-1
  relayinbox token --subject ops --scope admin:read --ttl 15m
  relayinbox token --subject agent-2 --channel c1 --channel c2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return errors.New("subject is required")
			}
			token, err := httpapi.IssueToken(secret, subject, scopes, channels, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOrDefault("RELAYINBOX_HTTP_JWT_SECRET", "dev-secret"), "JWT signing secret")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringArrayVar(&scopes, "scope", []string{httpapi.ScopeStreamRead}, "granted scope (repeatable)")
	cmd.Flags().StringArrayVar(&channels, "channel", nil, "entitled channel id (repeatable); omit for all channels")
	cmd.Flags().DurationVar(&ttl, "ttl", durationEnv("RELAYINBOX_TOKEN_TTL", 24*time.Hour), "token lifetime")
	return cmd
}
