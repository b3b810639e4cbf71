package linkvertise

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

// Sentinel errors for Linkvertise API failures.
var (
	ErrUnreachable  = errors.New("linkvertise unreachable")
	ErrTimeout      = errors.New("linkvertise timeout")
	ErrHashRejected = errors.New("linkvertise rejected hash")
)

// Validator exchanges a (callback token, hash) pair with the Linkvertise
// anti-bypassing API.
type Validator interface {
	ValidateHash(ctx context.Context, callbackToken, hash string) error
}

// HTTPClient implements Validator using Linkvertise's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new Linkvertise client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ValidateHash posts the pair to the anti-bypassing endpoint. Linkvertise
// answers {"success": bool}; anything but a true success is a rejection.
func (c *HTTPClient) ValidateHash(ctx context.Context, callbackToken, hash string) error {
	params := url.Values{
		"token": {callbackToken},
		"hash":  {hash},
	}
	u := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrHashRejected, resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding linkvertise response: %w", err)
	}
	if !body.Success {
		return ErrHashRejected
	}
	return nil
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Validator = (*HTTPClient)(nil)
