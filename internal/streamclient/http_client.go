package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relayinbox/internal/backoff"
	"github.com/agentworkforce/relayinbox/internal/httpapi"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// EmitResult is the server's acknowledgement of an appended event.
type EmitResult struct {
	Source        string `json:"source"`
	Partition     string `json:"partition"`
	Offset        int64  `json:"offset"`
	Key           string `json:"key"`
	CorrelationID string `json:"correlationId"`
}

// HTTPClient posts events to the internal ingest endpoint, signing each
// request with the shared HMAC secret.
type HTTPClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	maxRetries int
	policy     backoff.Policy
	now        func() time.Time
}

func NewHTTPClient(baseURL, hmacSecret string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		secret:     hmacSecret,
		httpClient: httpClient,
		maxRetries: 3,
		policy:     backoff.Policy{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetMaxRetries bounds retries of 429 and 5xx responses. Negative values
// are treated as zero.
func (c *HTTPClient) SetMaxRetries(n int) {
	if n < 0 {
		n = 0
	}
	c.maxRetries = n
}

// Emit appends one event payload to the named source log.
func (c *HTTPClient) Emit(ctx context.Context, source string, body []byte) (EmitResult, error) {
	var out EmitResult
	err := c.doSigned(ctx, http.MethodPost, "/v1/internal/events/"+url.PathEscape(source), body, &out)
	return out, err
}

func (c *HTTPClient) doSigned(ctx context.Context, method, requestPath string, body []byte, out any) error {
	// final holds an error that must not be retried; stop ends the loop
	// without waiting out the next delay.
	retryCtx, stop := context.WithCancel(ctx)
	defer stop()
	var (
		final      error
		slept      time.Duration
		retryAfter time.Duration
	)
	_, err := backoff.Retry(retryCtx, c.policy, c.maxRetries+1, func(attempt int) (struct{}, error) {
		if extra := c.retryAfterWait(retryAfter, slept); extra > 0 {
			if err := backoff.Sleep(ctx, extra); err != nil {
				return struct{}{}, err
			}
		}
		retryAfter = 0
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(body))
		if err != nil {
			final = err
			return struct{}{}, err
		}
		// Each attempt is signed afresh; the server rejects replayed signatures.
		timestamp := c.now().Add(time.Duration(attempt-1) * time.Second).Format(time.RFC3339)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("X-Relay-Timestamp", timestamp)
		req.Header.Set("X-Relay-Signature", httpapi.SignInternal(c.secret, timestamp, body))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			final = readErr
			return struct{}{}, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return struct{}{}, nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				final = err
				return struct{}{}, err
			}
			return struct{}{}, nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		if !retryableStatus(resp.StatusCode) {
			final = httpErr
			return struct{}{}, httpErr
		}
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return struct{}{}, httpErr
	}, func(_ int, _ error, wait time.Duration) {
		if final != nil {
			stop()
			return
		}
		slept = wait
	})
	if final != nil {
		return final
	}
	return err
}

func correlationID() string {
	return fmt.Sprintf("emit_%d", time.Now().UnixNano())
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// retryAfterWait is the extra wait needed on top of the backoff delay
// already slept to honour a Retry-After hint, capped at the policy maximum.
func (c *HTTPClient) retryAfterWait(retryAfter, slept time.Duration) time.Duration {
	if retryAfter <= 0 {
		return 0
	}
	if limit := c.policy.Max; limit > 0 && retryAfter > limit {
		retryAfter = limit
	}
	if retryAfter <= slept {
		return 0
	}
	return retryAfter - slept
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
