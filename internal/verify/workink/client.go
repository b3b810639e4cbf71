package workink

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

// Sentinel errors for Work.ink API failures.
var (
	ErrUnreachable  = errors.New("workink unreachable")
	ErrTimeout      = errors.New("workink timeout")
	ErrTokenInvalid = errors.New("workink token invalid")
)

// Validator checks a Work.ink completion token. The provider invalidates the
// token server-side on the first lookup, so each token can be checked exactly
// once.
type Validator interface {
	ValidateToken(ctx context.Context, providerToken string) error
}

// HTTPClient implements Validator using Work.ink's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new Work.ink client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ValidateToken calls the isValid endpoint for the token. The call consumes
// the token regardless of outcome.
func (c *HTTPClient) ValidateToken(ctx context.Context, providerToken string) error {
	u := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(providerToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrTokenInvalid, resp.StatusCode)
	}

	var body struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding workink response: %w", err)
	}
	if !body.Valid {
		return ErrTokenInvalid
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
