package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPAdapter ходит в аудит-движок по его HTTP API.
// POST {base}/v1/audits  body: {"domain": "...", "max_pages": N}
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type auditRequest struct {
	Domain   string `json:"domain"`
	MaxPages int    `json:"max_pages"`
}

func (a *HTTPAdapter) Audit(ctx context.Context, domain string, maxPages int) (*AuditResult, error) {
	body, err := json.Marshal(auditRequest{Domain: domain, MaxPages: maxPages})
	if err != nil {
		return nil, fmt.Errorf("auditor: marshal request: %w", err)
	}

	endpoint, err := url.JoinPath(a.baseURL, "/v1/audits")
	if err != nil {
		return nil, fmt.Errorf("auditor: bad base url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auditor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auditor: call failed for %s: %w", domain, err)
	}
	defer resp.Body.Close()

	// 429 переводим в типизированную ошибку: ReliabilityWrapper умеет
	// подождать ровно столько, сколько попросил движок
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 5 * time.Second
		if sec, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && sec > 0 {
			retryAfter = time.Duration(sec) * time.Second
		}
		return nil, &ThrottleError{
			RetryAfter: retryAfter,
			Cause:      fmt.Errorf("audit engine throttled domain %s", domain),
		}
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("auditor: engine returned %d for %s: %s", resp.StatusCode, domain, raw)
	}

	var result AuditResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("auditor: decode response for %s: %w", domain, err)
	}
	return &result, nil
}
