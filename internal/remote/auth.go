package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/errors"
)

// tokenRequest and tokenResponse mirror POST /auth/token.
type tokenRequest struct {
	APIKey   string `json:"api_key"`
	DeviceID string `json:"device_id,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token" validate:"required"`
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

// tokenSource exchanges the field API key for a bearer token and caches it
// until shortly before expiry.
type tokenSource struct {
	client *Client
	apiKey string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

const tokenLeeway = 30 * time.Second

// Token returns a valid token, fetching a new one when forced or near expiry.
func (ts *tokenSource) Token(ctx context.Context, force bool) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !force && ts.token != "" && time.Until(ts.expiresAt) > tokenLeeway {
		return ts.token, nil
	}

	payload, err := json.Marshal(tokenRequest{APIKey: ts.apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.client.endpoint("/auth/token"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.http.Do(req)
	if err != nil {
		return "", errors.RemoteUnavailable(err, "token exchange")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ts.client.statusError(http.MethodPost, "/auth/token", resp)
	}

	var out tokenResponse
	if err := decodeStrict(resp.Body, &out, ts.client.validate); err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	ts.token = out.Token
	ts.expiresAt = out.ExpiresAt
	return ts.token, nil
}
