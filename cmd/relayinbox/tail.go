package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayinbox/internal/backoff"
	"github.com/agentworkforce/relayinbox/internal/config"
	"github.com/agentworkforce/relayinbox/internal/inbox"
	"github.com/agentworkforce/relayinbox/internal/streamclient"
)

func newTailCmd() *cobra.Command {
	var (
		baseURL      string
		token        string
		topics       []string
		stateFile    string
		pingInterval time.Duration
		jitter       float64
		logFormat    string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Subscribe to topics and mirror unread counts locally",
		Example: `  relayinbox tail --token $TOKEN
  relayinbox tail --topic conversations/k1/messages --topic conversations/k1/unread`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(token) == "" {
				return errors.New("token is required (--token or RELAYINBOX_TOKEN)")
			}
			logger, err := newLogger(config.LogConfig{Level: "info", Format: logFormat}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			policy := backoff.DefaultPolicy()
			policy.Jitter = clampJitterRatio(jitter)
			out := cmd.OutOrStdout()
			client, err := streamclient.NewClient(streamclient.ClientOptions{
				BaseURL:      baseURL,
				Token:        token,
				Topics:       topics,
				StateFile:    stateFile,
				Backoff:      policy,
				PingInterval: pingInterval,
				Logger:       logger,
				OnEvent: func(ev streamclient.Event) {
					fmt.Fprintf(out, "%s %s\n", ev.Topic, ev.Payload)
				},
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				_, total := client.Unread()
				logger.Info("tail stopping", "unread_total", total)
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", envOrDefault("RELAYINBOX_BASE_URL", "http://127.0.0.1:8080"), "relayinbox base URL")
	cmd.Flags().StringVar(&token, "token", strings.TrimSpace(os.Getenv("RELAYINBOX_TOKEN")), "stream token")
	cmd.Flags().StringArrayVar(&topics, "topic", []string{inbox.TopicUnreadTotal}, "topic to subscribe to (repeatable)")
	cmd.Flags().StringVar(&stateFile, "state-file", strings.TrimSpace(os.Getenv("RELAYINBOX_TAIL_STATE_FILE")), "file that receives the unread mirror")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", durationEnv("RELAYINBOX_TAIL_PING_INTERVAL", 30*time.Second), "keepalive ping interval")
	cmd.Flags().Float64Var(&jitter, "backoff-jitter", floatEnv("RELAYINBOX_TAIL_BACKOFF_JITTER", 0.2), "reconnect backoff jitter ratio (0.0-1.0)")
	cmd.Flags().StringVar(&logFormat, "log-format", envOrDefault("RELAYINBOX_LOG_FORMAT", "text"), "log format (text or json)")
	return cmd
}
