// Package ledger is a typed HTTP client for the budget ledger service. It is
// the only component that talks to the ledger; every failure is classified
// into one of the package sentinels so callers can decide between aborting a
// run and skipping a single account or transaction.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Dylzzzzz/actual-budget-system/internal/retry"
)

const dateFormat = "2006-01-02"

// Client talks to a single named budget on a remote ledger server. It is not
// safe for concurrent use; exactly one reconciliation run owns it at a time.
type Client struct {
	baseURL    string
	apiKey     string
	budget     string
	httpClient *http.Client
	connect    retry.Policy

	sessionToken string
}

// NewClient creates a ledger client for the budget named budget. The connect
// policy bounds session-open retries.
func NewClient(baseURL, apiKey, budget string, connect retry.Policy) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		budget:     budget,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		connect:    connect,
	}
}

// Open authenticates against the remote budget and stores the session token.
// Attempts are bounded by the client's connect policy; exhausting them is a
// connection error.
func (c *Client) Open(ctx context.Context) error {
	err := c.connect.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(map[string]string{"budget": c.budget})
		if err != nil {
			return fmt.Errorf("Open: marshal: %w", err)
		}

		var resp struct {
			Data struct {
				Token string `json:"token"`
			} `json:"data"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/session", bytes.NewReader(body), &resp); err != nil {
			return fmt.Errorf("Open: %w", err)
		}
		c.sessionToken = resp.Data.Token
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Close deletes the remote session. Safe to call on a client that was never
// opened, and on every exit path of a run.
func (c *Client) Close(ctx context.Context) error {
	if c.sessionToken == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/v1/session", nil, nil)
	c.sessionToken = ""
	if err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	return nil
}

// Accounts lists every account of the budget, including off-budget and
// closed ones; the caller filters.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp struct {
		Data []Account `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, &resp); err != nil {
		return nil, fmt.Errorf("Accounts: %w", err)
	}
	return resp.Data, nil
}

// CategoryGroups lists the budget's category groups.
func (c *Client) CategoryGroups(ctx context.Context) ([]CategoryGroup, error) {
	var resp struct {
		Data []CategoryGroup `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/category-groups", nil, &resp); err != nil {
		return nil, fmt.Errorf("CategoryGroups: %w", err)
	}
	return resp.Data, nil
}

// Categories lists the budget's categories with their group membership.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var resp struct {
		Data []Category `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/categories", nil, &resp); err != nil {
		return nil, fmt.Errorf("Categories: %w", err)
	}
	return resp.Data, nil
}

// Transactions lists one account's transactions within [since, until],
// inclusive, never the full history.
func (c *Client) Transactions(ctx context.Context, accountID string, since, until time.Time) ([]Transaction, error) {
	q := url.Values{}
	q.Set("since", since.Format(dateFormat))
	q.Set("until", until.Format(dateFormat))
	path := fmt.Sprintf("/v1/accounts/%s/transactions?%s", url.PathEscape(accountID), q.Encode())

	var resp struct {
		Data []Transaction `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("Transactions: account %s: %w", accountID, err)
	}
	return resp.Data, nil
}

// UpdateTransactionNotes replaces the notes field of one transaction. This is
// the only ledger mutation the core performs.
func (c *Client) UpdateTransactionNotes(ctx context.Context, id, notes string) error {
	body, err := json.Marshal(map[string]string{"notes": notes})
	if err != nil {
		return fmt.Errorf("UpdateTransactionNotes: marshal: %w", err)
	}
	path := "/v1/transactions/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, bytes.NewReader(body), nil); err != nil {
		return fmt.Errorf("UpdateTransactionNotes: transaction %s: %w", id, err)
	}
	return nil
}

// do executes one request against the ledger server and decodes the JSON
// response into out when non-nil. Transport failures and status codes are
// mapped onto the package sentinels.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if c.sessionToken != "" {
		req.Header.Set("X-Session-Token", c.sessionToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// classifyStatus maps an HTTP status onto the error taxonomy. The response
// body's message, when present, is carried in the error text.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := readErrorMessage(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	default:
		// 401/403, 5xx and anything unexpected count as connection-level.
		return fmt.Errorf("%w: status %d: %s", ErrConnection, resp.StatusCode, msg)
	}
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
