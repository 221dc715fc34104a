package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
)

// HTTPInvoker dispatches steps to a tool-adapter service over HTTP. The
// adapter owns all tool semantics; this side only serializes the invocation
// and classifies the response.
//
// POST {base}/invoke/{action} with the invocation as JSON. 2xx bodies are
// the step output. 5xx and transport errors are transient; 4xx is permanent.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInvoker creates an invoker against a tool-adapter base URL. Pass a
// nil client to use http.DefaultClient; per-step timeouts come from the
// invocation context, not the client.
func NewHTTPInvoker(baseURL string, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{baseURL: baseURL, client: client}
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode invocation")
	}

	url := fmt.Sprintf("%s/invoke/%s", h.baseURL, inv.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build adapter request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", inv.TenantID)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, Transient(errors.Wrap(err, "adapter unreachable"))
	}
	defer resp.Body.Close()

	output, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(errors.Wrap(err, "failed to read adapter response"))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{Output: string(output)}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient(errors.Newf("adapter returned %d: %s", resp.StatusCode, truncate(output, 512)))
	default:
		return nil, errors.Newf("adapter rejected %s: %d: %s", inv.Action, resp.StatusCode, truncate(output, 512))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
