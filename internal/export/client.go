// Package export submits normalized transaction records to the external
// accounting endpoint. One record per call; authentication is a static
// bearer credential.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the wire format of one accounting record. Amount is the
// absolute value in major currency units, serialized as a decimal string.
type Payload struct {
	ExternalID string `json:"external_id"`
	Payee      string `json:"payee"`
	Amount     string `json:"amount"`
	Date       string `json:"date"`
	Category   string `json:"category"`
	Notes      string `json:"notes,omitempty"`
	Account    string `json:"account"`
}

// Receipt carries the remote identifier assigned to a submitted record.
type Receipt struct {
	ID string `json:"id"`
}

// Client posts payloads to a single accounting endpoint.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates an export client for the given endpoint and bearer token.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit posts one payload and returns the remote receipt. The endpoint's
// error message, when present, is carried in the returned error.
func (c *Client) Submit(ctx context.Context, p Payload) (Receipt, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Receipt{}, fmt.Errorf("Submit: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("Submit: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("Submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("Submit: status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("Submit: decode response: %w", err)
	}
	return receipt, nil
}

// MajorUnits converts a signed minor-unit amount into its absolute value in
// major units, rendered with the full exponent (e.g. -1250, 2 -> "12.50").
func MajorUnits(minor int64, exponent int) string {
	d := decimal.New(minor, -int32(exponent)).Abs()
	return d.StringFixed(int32(exponent))
}

func readErrorMessage(r io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(bytes.TrimSpace(raw))
}
