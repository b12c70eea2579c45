package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"faz/internal/domain"
)

// HTTPInvoker calls an agent gateway over HTTP. The gateway exposes one
// endpoint per agent kind: POST {base}/agents/{kind}/invoke with the Input
// as body, answering a Result.
type HTTPInvoker struct {
	BaseURL string
	Client  *http.Client
	// APIKey, when set, is sent as X-Api-Key on every call.
	APIKey string
}

func (i *HTTPInvoker) client() *http.Client {
	if i.Client != nil {
		return i.Client
	}
	return http.DefaultClient
}

func (i *HTTPInvoker) Invoke(ctx context.Context, kind domain.AgentKind, in Input, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return Result{}, PermanentError{Err: err}
	}
	url := fmt.Sprintf("%s/agents/%s/invoke", strings.TrimRight(i.BaseURL, "/"), kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if i.APIKey != "" {
		req.Header.Set("X-Api-Key", i.APIKey)
	}
	res, err := i.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, TransientError{Err: err}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
	if err != nil {
		return Result{}, TransientError{Err: err}
	}
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		var result Result
		if err := json.Unmarshal(body, &result); err != nil {
			return Result{}, PermanentError{Err: fmt.Errorf("malformed agent response: %w", err)}
		}
		return result, nil
	case res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode == http.StatusTooManyRequests,
		res.StatusCode >= 500:
		return Result{}, TransientError{Err: fmt.Errorf("agent %s status %d: %s", kind, res.StatusCode, strings.TrimSpace(string(body)))}
	default:
		return Result{}, PermanentError{Err: fmt.Errorf("agent %s status %d: %s", kind, res.StatusCode, strings.TrimSpace(string(body)))}
	}
}
