// internal/common/validation/schema_test.go
package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTokenResponse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "valid payload",
			body: `{"access_token":"a","refresh_token":"r","token_type":"Bearer","expires_in":3600}`,
		},
		{
			name: "minimal payload",
			body: `{"access_token":"a","refresh_token":"r"}`,
		},
		{
			name:    "missing refresh token",
			body:    `{"access_token":"a"}`,
			wantErr: true,
		},
		{
			name:    "empty access token",
			body:    `{"access_token":"","refresh_token":"r"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `<html>503</html>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTokenResponse([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBalanceResponse(t *testing.T) {
	assert.NoError(t, ValidateBalanceResponse([]byte(`{"credits":42}`)))
	assert.NoError(t, ValidateBalanceResponse([]byte(`{"credits":0}`)))
	assert.Error(t, ValidateBalanceResponse([]byte(`{"credits":-1}`)))
	assert.Error(t, ValidateBalanceResponse([]byte(`{"credits":"lots"}`)))
	assert.Error(t, ValidateBalanceResponse([]byte(`{}`)))
}

func TestValidateEntitlementSnapshot(t *testing.T) {
	assert.NoError(t, ValidateEntitlementSnapshot([]byte(`{}`)))
	assert.NoError(t, ValidateEntitlementSnapshot([]byte(
		`{"entitlements":{"creator":true},"active_product_ids":["p1"],"active_subscriptions":[]}`)))
	assert.Error(t, ValidateEntitlementSnapshot([]byte(`{"entitlements":{"creator":"yes"}}`)))
	assert.Error(t, ValidateEntitlementSnapshot([]byte(`{"active_product_ids":"p1"}`)))
}
