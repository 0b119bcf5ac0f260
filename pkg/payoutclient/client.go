/**
 * @description
 * This package provides a client for the external payout backend — the
 * service that actually constructs and broadcasts a transfer to a wallet
 * address. The engine treats it as a single call returning success or failure
 * plus an opaque settlement reference. A timeout is a failure, never a
 * success.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a client for the payout backend API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payout backend client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SendRequest is the payload for a single outbound payment.
type SendRequest struct {
	Address        string `json:"address"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SendResponse is the backend's reply to a payment request.
type SendResponse struct {
	Success       bool   `json:"success"`
	SettlementRef string `json:"settlement_ref"`
	Error         string `json:"error,omitempty"`
}

// ErrorResponse represents an error body from the payout backend.
type ErrorResponse struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payout backend error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payout backend error (status %d)", e.StatusCode)
}

// Send asks the backend to pay `amount` to `address`. The idempotency key is
// stable per payee group so the backend can deduplicate a retried call after
// a crash between its success and our local commit.
func (c *Client) Send(ctx context.Context, address string, amount int64, idempotencyKey string) (string, error) {
	payload := SendRequest{Address: address, Amount: amount, IdempotencyKey: idempotencyKey}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/payouts", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("payout backend request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read payout backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return "", apiErr
	}

	var sendResp SendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", fmt.Errorf("failed to decode payout backend response: %w", err)
	}
	if !sendResp.Success {
		return "", fmt.Errorf("payout backend rejected transfer: %s", sendResp.Error)
	}
	if sendResp.SettlementRef == "" {
		return "", fmt.Errorf("payout backend returned success without a settlement reference")
	}

	return sendResp.SettlementRef, nil
}
