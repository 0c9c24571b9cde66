package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusClient posts WorkflowStatusMessage to a configured HTTP endpoint. The
// status channel is best-effort (spec.md §4.F step 4), so failures are
// retried once via a short bounded backoff and otherwise swallowed by the
// caller.
type StatusClient struct {
	url    string
	client *http.Client
}

// NewStatusClient constructs a StatusClient posting to url. A zero-value url
// disables sending entirely (Send becomes a no-op), for deployments with no
// status channel configured.
func NewStatusClient(url string) *StatusClient {
	return &StatusClient{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

// Send posts msg to the status endpoint, retrying once on failure.
func (c *StatusClient) Send(ctx context.Context, msg WorkflowStatusMessage) error {
	if c.url == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status message: %w", err)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
		}
		return nil
	}, policy)
}
