package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// HTTPHost talks to a real tracker over its REST API. Errors are
// classified so callers can tell a missing issue from a host outage.
type HTTPHost struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPHost creates a tracker client from config. The token may be
// empty for trackers that do not authenticate.
func NewHTTPHost(cfg *config.TrackerConfig) *HTTPHost {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPHost{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPHost) CreateIssue(ctx context.Context, iss *Issue) (*Issue, error) {
	created := *iss
	if err := h.post(ctx, fmt.Sprintf("%s/issues", h.baseURL), iss, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (h *HTTPHost) CommentIssue(ctx context.Context, number int64, body string) error {
	payload := map[string]string{"body": body}
	return h.post(ctx, fmt.Sprintf("%s/issues/%d/comments", h.baseURL, number), payload, nil)
}

func (h *HTTPHost) CloseIssue(ctx context.Context, number int64, resolution string) error {
	payload := map[string]string{"resolution": resolution}
	return h.post(ctx, fmt.Sprintf("%s/issues/%d/close", h.baseURL, number), payload, nil)
}

// post sends a JSON body and decodes the response into out when out is
// non-nil and the host returned one.
func (h *HTTPHost) post(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode tracker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create tracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return orcherr.Wrap(orcherr.KindTimeout, err, "tracker call timed out")
		}
		return orcherr.Wrap(orcherr.KindExternal, err, "tracker unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return orcherr.New(orcherr.KindNotFound, "tracker returned 404 for %s", url)
	case resp.StatusCode >= 500:
		return orcherr.New(orcherr.KindExternal, "tracker returned HTTP %d for %s", resp.StatusCode, url)
	case resp.StatusCode >= 400:
		return orcherr.New(orcherr.KindInvariant, "tracker rejected the request with HTTP %d for %s", resp.StatusCode, url)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return orcherr.Wrap(orcherr.KindExternal, err, "decode tracker response")
		}
	}
	return nil
}
