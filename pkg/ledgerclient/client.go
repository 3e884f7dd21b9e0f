/**
 * @description
 * Client for the ledger HTTP API. The scheduler uses the internal maintenance endpoints with
 * the internal API key; operator tooling uses the admin payout endpoints with a bearer token.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vpnportal/ledger/internal/domain"
)

// MaintenanceResult mirrors the ledger's maintenance response.
type MaintenanceResult struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// Client provides methods to interact with the ledger service.
type Client struct {
	baseURL     string
	apiKey      string
	bearerToken string
	httpClient  *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL, apiKey string) *Client {
	normalizedURL := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL:    normalizedURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithBearerToken returns a copy of the client that authenticates admin calls with token.
func (c *Client) WithBearerToken(token string) *Client {
	clone := *c
	clone.bearerToken = token
	return &clone
}

// ExpirePayments expires pending payments past their deadline.
func (c *Client) ExpirePayments(ctx context.Context) (*MaintenanceResult, error) {
	return c.maintenance(ctx, "/internal/maintenance/expire-payments")
}

// ExpireSubscriptions expires lapsed subscriptions.
func (c *Client) ExpireSubscriptions(ctx context.Context) (*MaintenanceResult, error) {
	return c.maintenance(ctx, "/internal/maintenance/expire-subscriptions")
}

// AutoApproveCommissions approves pending commissions past the hold period.
func (c *Client) AutoApproveCommissions(ctx context.Context) (*MaintenanceResult, error) {
	return c.maintenance(ctx, "/internal/maintenance/auto-approve-commissions")
}

// PayoutPreview fetches the approved, unpaid commissions of an affiliate.
func (c *Client) PayoutPreview(ctx context.Context, affiliateID uuid.UUID) (*domain.PayoutPreview, error) {
	var preview domain.PayoutPreview
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/admin/affiliates/%s/payout", affiliateID), nil, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

// ProcessPayout pays the given commissions of an affiliate, or all approved ones when ids is nil.
func (c *Client) ProcessPayout(ctx context.Context, affiliateID uuid.UUID, ids []uuid.UUID) (*domain.PayoutResult, error) {
	payload := map[string]interface{}{}
	if ids != nil {
		payload["commission_ids"] = ids
	}
	var result domain.PayoutResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/affiliates/%s/payouts", affiliateID), payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) maintenance(ctx context.Context, path string) (*MaintenanceResult, error) {
	var result MaintenanceResult
	if err := c.do(ctx, http.MethodPost, path, map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("ledger service base URL is not configured")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
