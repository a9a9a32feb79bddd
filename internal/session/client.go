// internal/session/client.go
package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "entitlement-engine/internal/common/errors"
	commonhttp "entitlement-engine/internal/common/http"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/common/metrics"
	"entitlement-engine/internal/common/validation"
)

// TokenPair is the credential pair returned by a successful exchange.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// AuthClient performs the refresh-token grant against the token endpoint.
type AuthClient struct {
	tokenURL   string
	httpClient *commonhttp.Client
	logger     logger.Logger
}

func NewAuthClient(tokenURL string, timeout time.Duration, log logger.Logger) *AuthClient {
	return &AuthClient{
		tokenURL:   tokenURL,
		httpClient: commonhttp.NewClient(timeout),
		logger:     log.Named("auth-client"),
	}
}

// Exchange swaps a refresh token for a new token pair. A 401 or 403 means
// the refresh token is revoked and the error is terminal; every other
// failure is transient.
func (c *AuthClient) Exchange(ctx context.Context, refreshToken string) (*TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.NewAuthTransientError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RemoteCallDuration.WithLabelValues("token_refresh").Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("Token endpoint unreachable", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, apperrors.NewAuthTransientError(err)
	}
	defer commonhttp.DrainAndClose(resp)

	if apperrors.IsTerminalAuthStatus(resp.StatusCode) {
		c.logger.Warn("Refresh token rejected", map[string]interface{}{
			"status": resp.StatusCode,
		})
		return nil, apperrors.NewAuthTerminalError(resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewAuthTransientError(&statusError{status: resp.Status})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewAuthTransientError(err)
	}
	if err := validation.ValidateTokenResponse(body); err != nil {
		return nil, apperrors.NewMalformedResponseError("auth", err)
	}

	var pair TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return nil, apperrors.NewMalformedResponseError("auth", err)
	}
	return &pair, nil
}

type statusError struct {
	status string
}

func (e *statusError) Error() string {
	return "token endpoint returned " + e.status
}
