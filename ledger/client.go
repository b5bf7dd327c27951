package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// The external ledger is the system of record for actual fund balances. It is
// treated as an unreliable remote dependency: every failure mode here is
// reported to the caller, and callers decide whether the failure is fatal.

var (
	// ErrUnavailable wraps transport-level failures (connection refused, timeout).
	ErrUnavailable = errors.New("ledger: service unavailable")
	// ErrRejected signals the ledger refused the movement (non-2xx response).
	ErrRejected = errors.New("ledger: transaction rejected")
)

// CreateTransactionParams describes one money movement between two named balances.
type CreateTransactionParams struct {
	Amount               int64          `json:"amount"`
	Currency             string         `json:"currency"`
	SourceBalanceID      string         `json:"source_balance_id"`
	DestinationBalanceID string         `json:"destination_balance_id"`
	Reference            string         `json:"reference"`
	Description          string         `json:"description"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Client is the narrow contract the escrow coordinator depends on.
type Client interface {
	CreateTransaction(ctx context.Context, params CreateTransactionParams) (string, error)
}

// HTTPClient talks to the ledger service's REST API. Requests carry a
// short-lived HS256 bearer token identifying this service.
type HTTPClient struct {
	baseURL    string
	serviceID  string
	signingKey []byte
	httpClient *http.Client
	now        func() time.Time
}

func NewHTTPClient(baseURL, serviceID, signingKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		serviceID:  serviceID,
		signingKey: []byte(signingKey),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// WithClock overrides the token clock, for tests.
func (c *HTTPClient) WithClock(now func() time.Time) *HTTPClient {
	c.now = now
	return c
}

type createTransactionResponse struct {
	TransactionID string `json:"transaction_id"`
}

func (c *HTTPClient) CreateTransaction(ctx context.Context, params CreateTransactionParams) (string, error) {
	if params.Amount <= 0 {
		return "", fmt.Errorf("ledger: non-positive amount %d", params.Amount)
	}
	if params.SourceBalanceID == "" || params.DestinationBalanceID == "" {
		return "", fmt.Errorf("ledger: source and destination balance ids required")
	}

	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// One key per booking attempt; the ledger dedupes transport-level retries.
	req.Header.Set("Idempotency-Key", uuid.NewString())

	token, err := c.bearerToken()
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, snippet)
	}

	var out createTransactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ledger: decode response: %w", err)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("ledger: response missing transaction id")
	}
	return out.TransactionID, nil
}

func (c *HTTPClient) bearerToken() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   c.serviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("ledger: sign token: %w", err)
	}
	return signed, nil
}
