// internal/credits/client.go
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "entitlement-engine/internal/common/errors"
	commonhttp "entitlement-engine/internal/common/http"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/metrics"
	"entitlement-engine/internal/common/validation"
)

// RemoteLedger is the authoritative credit service. Every mutating call
// returns the server's new balance so callers replace, rather than
// recompute, the confirmed value.
type RemoteLedger interface {
	GetCredits(ctx context.Context) (int64, error)
	AddCredits(ctx context.Context, n int64) (int64, error)
	SpendCredit(ctx context.Context) (int64, error)
	EnsureEntitlement(ctx context.Context) error
}

// TokenSource supplies bearer tokens for remote ledger calls.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client talks to the credit service. Every call authenticates with a
// bearer token; a 401 or 403 triggers exactly one forced refresh and
// retry before giving up.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *commonhttp.Client
	logger     logger.Logger
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: commonhttp.NewClient(timeout),
		logger:     log.Named("credits-client"),
	}
}

// GetCredits fetches the authoritative balance.
func (c *Client) GetCredits(ctx context.Context) (int64, error) {
	body, err := c.call(ctx, http.MethodGet, "/v1/credits", nil, "credits_get")
	if err != nil {
		return 0, err
	}
	return c.parseBalance(body)
}

// AddCredits grants n credits to the authenticated account and returns the
// new authoritative balance.
func (c *Client) AddCredits(ctx context.Context, n int64) (int64, error) {
	payload, _ := json.Marshal(map[string]int64{"amount": n})
	body, err := c.call(ctx, http.MethodPost, "/v1/credits/add", payload, "credits_add")
	if err != nil {
		return 0, err
	}
	return c.parseBalance(body)
}

// SpendCredit consumes a single credit and returns the new authoritative
// balance.
func (c *Client) SpendCredit(ctx context.Context) (int64, error) {
	body, err := c.call(ctx, http.MethodPost, "/v1/credits/spend", nil, "credits_spend")
	if err != nil {
		return 0, err
	}
	return c.parseBalance(body)
}

func (c *Client) parseBalance(body []byte) (int64, error) {
	if err := validation.ValidateBalanceResponse(body); err != nil {
		return 0, apperrors.NewMalformedResponseError("credits", err)
	}

	var payload struct {
		Credits int64 `json:"credits"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, apperrors.NewMalformedResponseError("credits", err)
	}
	return payload.Credits, nil
}

// EnsureEntitlement asks the service to recompute the account's grants
// after identity or purchase changes.
func (c *Client) EnsureEntitlement(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodPost, "/v1/entitlements/ensure", nil, "entitlement_ensure")
	return err
}

func (c *Client) call(ctx context.Context, method, path string, payload []byte, endpoint string) ([]byte, error) {
	token, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	body, status, err := c.doOnce(ctx, method, path, payload, token, endpoint)
	if err != nil {
		return nil, err
	}

	if apperrors.IsTerminalAuthStatus(status) {
		c.logger.Warn("Credit service rejected token, refreshing once", map[string]interface{}{
			"endpoint": endpoint,
			"status":   status,
		})
		token, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		body, status, err = c.doOnce(ctx, method, path, payload, token, endpoint)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		return nil, apperrors.NewRemoteUnavailableError("credits", &httpStatusError{status: status})
	}
	return body, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, token, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, apperrors.NewRemoteUnavailableError("credits", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RemoteCallDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, 0, apperrors.NewRemoteUnavailableError("credits", err)
	}
	defer commonhttp.DrainAndClose(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, apperrors.NewRemoteUnavailableError("credits", err)
	}
	return body, resp.StatusCode, nil
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return "credit service returned HTTP " + http.StatusText(e.status)
}
