package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buildswarm/orchestrator/pkg/api"
)

// apiClient is the thin REST client behind the operator commands.
type apiClient struct {
	base string
	key  string
	http *http.Client
}

func newAPIClient() (*apiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("an API key is required, set ORCH_API_KEY or --api-key")
	}
	return &apiClient{
		base: strings.TrimRight(serverURL, "/"),
		key:  apiKey,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fail(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return failf("cannot reach %s: %v", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failf("decoding %s %s response: %v", method, path, err)
	}
	return nil
}

// apiError turns a non-2xx response into a runError. Budget denials get
// their own exit code so scripts can back off instead of retrying.
func apiError(method, path string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var eb api.ErrorBody
	if err := json.Unmarshal(data, &eb); err != nil || eb.Message == "" {
		return failf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	msg := eb.Message
	if eb.Detail != "" {
		msg += ": " + eb.Detail
	}
	if resp.StatusCode == http.StatusPaymentRequired || eb.Code == "budget" {
		return &runError{code: exitBudget, err: fmt.Errorf("%s", msg)}
	}
	return failf("%s", msg)
}
