package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayinbox/internal/inbox"
	"github.com/agentworkforce/relayinbox/internal/streamclient"
)

func newEmitCmd() *cobra.Command {
	var (
		baseURL string
		secret  string
		timeout time.Duration
		retries int
	)
	cmd := &cobra.Command{
		Use:   "emit <source> [file]",
		Short: "Sign and append one event to a memory source",
		Long: `Post one event payload to /v1/internal/events/<source>. The payload is read
from file, or from stdin when file is omitted or "-".`,
		Example: `  relayinbox emit channels channel.json
  echo '{"conversationId":"k1","reader":"a","readAt":"2026-03-14T09:00:00Z"}' | relayinbox emit read_receipts`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := inbox.ParseSourceKind(args[0])
			if err != nil {
				return err
			}
			body, err := readEventBody(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			if strings.TrimSpace(secret) == "" {
				return errors.New("secret is required (--secret or RELAYINBOX_HTTP_INTERNAL_HMAC_SECRET)")
			}
			client := streamclient.NewHTTPClient(baseURL, secret, &http.Client{Timeout: timeout})
			client.SetMaxRetries(retries)
			result, err := client.Emit(cmd.Context(), string(kind), body)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", envOrDefault("RELAYINBOX_BASE_URL", "http://127.0.0.1:8080"), "relayinbox base URL")
	cmd.Flags().StringVar(&secret, "secret", envOrDefault("RELAYINBOX_HTTP_INTERNAL_HMAC_SECRET", "dev-internal-secret"), "internal HMAC secret")
	cmd.Flags().DurationVar(&timeout, "timeout", durationEnv("RELAYINBOX_EMIT_TIMEOUT", 15*time.Second), "per-request timeout")
	cmd.Flags().IntVar(&retries, "retries", intEnv("RELAYINBOX_EMIT_RETRIES", 3), "retries on 429 and 5xx responses")
	return cmd
}

func readEventBody(stdin io.Reader, args []string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	body = []byte(strings.TrimSpace(string(body)))
	if !json.Valid(body) {
		return nil, errors.New("event payload is not valid JSON")
	}
	return body, nil
}
