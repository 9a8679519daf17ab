package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// APIError represents an error from the SmartAPI.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("smartapi error %s: %s", e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("smartapi error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// apiResponse is the envelope every SmartAPI endpoint returns.
type apiResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// doRequest performs a single SmartAPI request. auth carries the per-user
// API key and JWT; both headers are omitted when their value is empty.
func (c *Client) doRequest(ctx context.Context, method, path string, auth authHeaders, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.localIP)
	req.Header.Set("X-ClientPublicIP", c.localIP)
	req.Header.Set("X-MACAddress", c.macAddr)
	if auth.apiKey != "" {
		req.Header.Set("X-PrivateKey", auth.apiKey)
	}
	if auth.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+auth.jwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	if !envelope.Status {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorCode:  envelope.ErrorCode,
			Message:    envelope.Message,
			Body:       respBody,
		}
	}

	return envelope.Data, nil
}

// doWithRetry performs a request with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, method, path string, auth authHeaders, payload any) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		data, err := c.doRequest(ctx, method, path, auth, payload)
		if err == nil {
			return data, nil
		}

		lastErr = err

		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.IsRetryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// authHeaders carries the per-request credential headers.
type authHeaders struct {
	apiKey string
	jwt    string
}

// post performs a POST request with retries and unmarshals the envelope data.
func (c *Client) post(ctx context.Context, path string, auth authHeaders, payload, result any) error {
	data, err := c.doWithRetry(ctx, http.MethodPost, path, auth, payload)
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
