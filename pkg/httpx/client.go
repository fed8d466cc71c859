package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// RequestJSON issues an HTTP request and returns the status and raw body.
// Transport errors, body read errors, and 5xx responses are retried up to
// `retries` extra attempts; 4xx responses are returned to the caller as-is
// since repeating them cannot change the outcome. The delay between attempts
// respects context cancellation.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}

	attempt := func() (int, []byte, bool, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, false, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, nil, true, err
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return 0, nil, true, err
		}
		return resp.StatusCode, respBody, resp.StatusCode >= 500, nil
	}

	var lastErr error
	for i := 0; i <= retries; i++ {
		status, respBody, retryable, err := attempt()
		if err != nil {
			if !retryable {
				return 0, nil, err
			}
			lastErr = err
		} else if !retryable || i == retries {
			return status, respBody, nil
		}
		if i < retries {
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
		}
	}
	return 0, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
