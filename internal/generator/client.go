package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const maxErrorBody = 2048

// HTTPClient implements Generator against a generation sidecar that writes
// its output to a volume shared with the worker.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new generator HTTP client. timeout bounds a single
// call. A context deadline ends the request earlier; the engine's soft limit
// is such a deadline.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Generate(ctx context.Context, in Input) (Artifact, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Artifact{}, fmt.Errorf("encoding generator input: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return Artifact{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Artifact{}, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		sentinel := ErrTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			sentinel = ErrRejected
		}
		return Artifact{}, fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out Artifact
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Artifact{}, fmt.Errorf("%w: decoding response: %v", ErrInvalidResponse, err)
	}
	if out.AudioPath == "" {
		return Artifact{}, fmt.Errorf("%w: missing audio_path", ErrInvalidResponse)
	}
	return out, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

// classifyError maps transport failures to sentinels. A cancelled or
// expired caller context stays matchable with errors.Is.
func classifyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrTransient, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
