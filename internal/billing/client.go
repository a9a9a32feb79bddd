// internal/billing/client.go
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "entitlement-engine/internal/common/errors"
	commonhttp "entitlement-engine/internal/common/http"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/metrics"
	"entitlement-engine/internal/common/validation"
	"entitlement-engine/internal/models"
)

// Provider is the billing backend the engine reconciles against.
type Provider interface {
	LogIn(ctx context.Context, userID string) error
	LogOut(ctx context.Context) error
	RestorePurchases(ctx context.Context) error
	Snapshot(ctx context.Context) (*models.EntitlementSnapshot, error)
	CurrentUserID() string
}

// Client talks to the billing provider's REST API. The provider itself is
// stateless per request, so the active customer is tracked client-side.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *commonhttp.Client
	logger     logger.Logger

	mu          sync.Mutex
	currentUser string
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: commonhttp.NewClient(timeout),
		logger:     log.Named("billing-client"),
	}
}

// CurrentUserID returns the customer the client is operating as. Empty
// means logged out.
func (c *Client) CurrentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentUser
}

// LogIn switches the provider to the given customer.
func (c *Client) LogIn(ctx context.Context, userID string) error {
	payload, _ := json.Marshal(map[string]string{"app_user_id": userID})
	if err := c.post(ctx, "/v1/customers/login", payload); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentUser = userID
	c.mu.Unlock()

	c.logger.Info("Billing provider logged in", map[string]interface{}{
		"user_id": userID,
	})
	return nil
}

// LogOut resets the provider to no customer.
func (c *Client) LogOut(ctx context.Context) error {
	if err := c.post(ctx, "/v1/customers/logout", nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentUser = ""
	c.mu.Unlock()

	c.logger.Info("Billing provider logged out", nil)
	return nil
}

// RestorePurchases asks the provider to re-attach receipts to the current
// customer.
func (c *Client) RestorePurchases(ctx context.Context) error {
	return c.post(ctx, "/v1/customers/restore", nil)
}

// Snapshot fetches the provider's current view of the customer's
// entitlements and subscriptions.
func (c *Client) Snapshot(ctx context.Context) (*models.EntitlementSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/customers/current", nil)
	if err != nil {
		return nil, apperrors.NewBillingAPIError(err.Error(), false)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RemoteCallDuration.WithLabelValues("billing_snapshot").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, apperrors.NewRemoteUnavailableError("billing", err)
	}
	defer commonhttp.DrainAndClose(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewBillingAPIError(resp.Status, apperrors.IsTransientStatus(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewRemoteUnavailableError("billing", err)
	}
	if err := validation.ValidateEntitlementSnapshot(body); err != nil {
		return nil, apperrors.NewMalformedResponseError("billing", err)
	}

	var snap models.EntitlementSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, apperrors.NewMalformedResponseError("billing", err)
	}
	snap.FetchedAt = time.Now().UTC()
	return &snap, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewBillingAPIError(err.Error(), false)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewRemoteUnavailableError("billing", err)
	}
	defer commonhttp.DrainAndClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewBillingAPIError(resp.Status, apperrors.IsTransientStatus(resp.StatusCode))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
}
