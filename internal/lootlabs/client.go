// Package lootlabs wraps the LootLabs URL-encryption API. LootLabs requires
// every destination URL to be encrypted server-side against the publisher's
// API key before it can be attached to an ad link, which is why callbacks for
// this provider are minted per visitor per attempt.
package lootlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Sentinel errors for LootLabs API failures.
var (
	ErrUnreachable = errors.New("lootlabs unreachable")
	ErrAPIError    = errors.New("lootlabs api error")
	ErrTimeout     = errors.New("lootlabs timeout")
)

// Encryptor encrypts a destination URL against a publisher API key.
type Encryptor interface {
	EncryptURL(ctx context.Context, apiKey, destinationURL string) (string, error)
}

// HTTPClient implements Encryptor using the LootLabs HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new LootLabs client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// EncryptURL returns the encrypted payload for destinationURL. Any failure is
// classified into one of the sentinel errors so callers can distinguish an
// owner misconfiguration from a transient outage.
func (c *HTTPClient) EncryptURL(ctx context.Context, apiKey, destinationURL string) (string, error) {
	params := url.Values{
		"destination_url": {destinationURL},
		"api_token":       {apiKey},
	}
	u := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: rejected api token (status %d)", ErrAPIError, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
	}

	var body struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding lootlabs response: %w", err)
	}
	if body.Message == "" {
		return "", fmt.Errorf("%w: empty payload", ErrAPIError)
	}
	return body.Message, nil
}

func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
