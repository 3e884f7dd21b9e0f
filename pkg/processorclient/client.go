/**
 * @description
 * Client for the crypto payment processor. Only invoice creation is modelled; the
 * processor reports status changes back through the webhook endpoint.
 */
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceRequest asks the processor for a new payment address.
type InvoiceRequest struct {
	ExternalID     string          `json:"external_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	CryptoCurrency string          `json:"crypto_currency"`
	CallbackURL    string          `json:"callback_url,omitempty"`
	CallbackSecret string          `json:"callback_secret,omitempty"`
}

// Invoice is the processor's answer. Raw keeps the untouched response body.
type Invoice struct {
	ID             string          `json:"id"`
	Address        string          `json:"address"`
	CryptoCurrency string          `json:"crypto_currency"`
	CryptoAmount   string          `json:"crypto_amount"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// Client talks to the processor HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new processor client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// CreateInvoice registers a payment with the processor.
func (c *Client) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("processor API base URL is not configured")
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoice request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoices", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read processor response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("processor returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var invoice Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, fmt.Errorf("failed to parse processor response: %w", err)
	}
	invoice.Raw = raw
	return &invoice, nil
}
