package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ztnet/control-plane/pkg/wireproto"
)

// httpClient wraps the three agent-facing control-plane endpoints
// (spec.md §6).
type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string) *httpClient {
	return &httpClient{baseURL: baseURL, client: &http.Client{Timeout: 15 * time.Second}}
}

func (c *httpClient) register(ctx context.Context, req wireproto.RegisterRequest) (wireproto.RegisterResponse, error) {
	var out wireproto.RegisterResponse
	err := c.postJSON(ctx, "/api/v1/agent/register", req, &out)
	return out, err
}

func (c *httpClient) getConfig(ctx context.Context, hostname string) (wireproto.ConfigResponse, int, error) {
	url := fmt.Sprintf("%s/api/v1/agent/config?hostname=%s", c.baseURL, hostname)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wireproto.ConfigResponse{}, 0, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return wireproto.ConfigResponse{}, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wireproto.ConfigResponse{}, resp.StatusCode, fmt.Errorf("reconciler: get_config returned %d", resp.StatusCode)
	}
	var out wireproto.ConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wireproto.ConfigResponse{}, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

func (c *httpClient) heartbeat(ctx context.Context, req wireproto.HeartbeatRequest) (wireproto.HeartbeatResponse, error) {
	var out wireproto.HeartbeatResponse
	err := c.postJSON(ctx, "/api/v1/agent/heartbeat", req, &out)
	return out, err
}

func (c *httpClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("reconciler: %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
