// internal/common/validation/schema.go
package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// tokenResponseSchema describes the payload the token endpoint must return
// on a successful refresh.
const tokenResponseSchema = `{
	"type": "object",
	"properties": {
		"access_token": {"type": "string", "minLength": 1},
		"refresh_token": {"type": "string", "minLength": 1},
		"token_type": {"type": "string"},
		"expires_in": {"type": "integer"}
	},
	"required": ["access_token", "refresh_token"]
}`

// balanceResponseSchema describes the credit service's balance payload.
const balanceResponseSchema = `{
	"type": "object",
	"properties": {
		"credits": {"type": "integer", "minimum": 0}
	},
	"required": ["credits"]
}`

// entitlementSnapshotSchema describes the billing provider's customer-info
// payload. Only the fields tier resolution reads are constrained.
const entitlementSnapshotSchema = `{
	"type": "object",
	"properties": {
		"entitlements": {
			"type": "object",
			"additionalProperties": {"type": "boolean"}
		},
		"active_product_ids": {
			"type": "array",
			"items": {"type": "string"}
		},
		"active_subscriptions": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

var (
	tokenResponseLoader       = gojsonschema.NewStringLoader(tokenResponseSchema)
	balanceResponseLoader     = gojsonschema.NewStringLoader(balanceResponseSchema)
	entitlementSnapshotLoader = gojsonschema.NewStringLoader(entitlementSnapshotSchema)
)

// ValidateTokenResponse validates a raw token endpoint body.
func ValidateTokenResponse(body []byte) error {
	return validate(tokenResponseLoader, body, "token response")
}

// ValidateBalanceResponse validates a raw credit balance body.
func ValidateBalanceResponse(body []byte) error {
	return validate(balanceResponseLoader, body, "balance response")
}

// ValidateEntitlementSnapshot validates a raw customer-info body.
func ValidateEntitlementSnapshot(body []byte) error {
	return validate(entitlementSnapshotLoader, body, "entitlement snapshot")
}

func validate(schema gojsonschema.JSONLoader, body []byte, what string) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", what, err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%s failed validation: %s", what, strings.Join(problems, "; "))
}
