package workeragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/hakuriver/pkg/apierrors"
	"github.com/cuemby/hakuriver/pkg/types"
)

// HostHTTPClient is the worker-side HTTP client satisfying HostClient,
// talking to the coordinator's /register, /heartbeat/{host} and /update.
type HostHTTPClient struct {
	BaseURL string
	client  *http.Client
}

// NewHostHTTPClient returns a client posting to baseURL with the given
// per-request timeout.
func NewHostHTTPClient(baseURL string, timeout time.Duration) *HostHTTPClient {
	return &HostHTTPClient{BaseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *HostHTTPClient) postJSON(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("hostclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("hostclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &apierrors.WorkerUnreachableError{Reason: fmt.Sprintf("host unreachable: %v", err)}
	}
	return resp, nil
}

// Register implements HostClient.
func (c *HostHTTPClient) Register(ctx context.Context, req types.RegistrationRequest) error {
	resp, err := c.postJSON(ctx, "/register", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hostclient: register returned %d", resp.StatusCode)
	}
	return nil
}

// Heartbeat implements HostClient. A 404 response means the coordinator
// doesn't know this host, signaling the caller to re-register.
func (c *HostHTTPClient) Heartbeat(ctx context.Context, hb types.Heartbeat) (bool, error) {
	resp, err := c.postJSON(ctx, "/heartbeat/"+hb.Hostname, hb)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("hostclient: heartbeat returned %d", resp.StatusCode)
	}
	return false, nil
}

// ReportStatus implements HostClient, also satisfying executor.Reporter.
func (c *HostHTTPClient) ReportStatus(ctx context.Context, update types.StatusUpdate) error {
	resp, err := c.postJSON(ctx, "/update", update)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hostclient: update returned %d", resp.StatusCode)
	}
	return nil
}
