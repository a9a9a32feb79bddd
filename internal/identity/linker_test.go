// internal/identity/linker_test.go
package identity

import (
	"context"
	"testing"

	apperrors "entitlement-engine/internal/common/errors"
	"entitlement-engine/internal/common/logger"
	"entitlement-engine/internal/models"

	"github.com/stretchr/testify/assert"
)

// ==========================
// Test Helper Functions
// ==========================

type scriptedProvider struct {
	currentUser string
	calls       *[]string
	restoreErr  error
	loginErr    error
}

func (p *scriptedProvider) LogIn(ctx context.Context, userID string) error {
	*p.calls = append(*p.calls, "login:"+userID)
	if p.loginErr != nil {
		return p.loginErr
	}
	p.currentUser = userID
	return nil
}

func (p *scriptedProvider) LogOut(ctx context.Context) error {
	*p.calls = append(*p.calls, "logout")
	p.currentUser = ""
	return nil
}

func (p *scriptedProvider) RestorePurchases(ctx context.Context) error {
	*p.calls = append(*p.calls, "restore")
	return p.restoreErr
}

func (p *scriptedProvider) Snapshot(ctx context.Context) (*models.EntitlementSnapshot, error) {
	return &models.EntitlementSnapshot{}, nil
}

func (p *scriptedProvider) CurrentUserID() string {
	return p.currentUser
}

type scriptedFlusher struct {
	calls *[]string
	err   error
}

func (f *scriptedFlusher) FlushPending(ctx context.Context) error {
	*f.calls = append(*f.calls, "flush")
	return f.err
}

type scriptedEnsurer struct {
	calls *[]string
	err   error
}

func (e *scriptedEnsurer) EnsureEntitlement(ctx context.Context) error {
	*e.calls = append(*e.calls, "ensure")
	return e.err
}

func newTestLinker(t *testing.T, provider *scriptedProvider, flusher *scriptedFlusher, ensurer *scriptedEnsurer) *Linker {
	return NewLinker(provider, flusher, ensurer, logger.NewTestLogger(t))
}

// ==========================
// Core Functionality Tests
// ==========================

func TestLinker_Link_FreshIdentityRunsAllSteps(t *testing.T) {
	var calls []string
	provider := &scriptedProvider{calls: &calls}
	linker := newTestLinker(t, provider, &scriptedFlusher{calls: &calls}, &scriptedEnsurer{calls: &calls})

	linker.Link(context.Background(), "user-1")

	assert.Equal(t, []string{"login:user-1", "restore", "flush", "ensure"}, calls)
}

func TestLinker_Link_SwitchingAccountsLogsOutFirst(t *testing.T) {
	var calls []string
	provider := &scriptedProvider{currentUser: "user-old", calls: &calls}
	linker := newTestLinker(t, provider, &scriptedFlusher{calls: &calls}, &scriptedEnsurer{calls: &calls})

	linker.Link(context.Background(), "user-new")

	assert.Equal(t, []string{"logout", "login:user-new", "restore", "flush", "ensure"}, calls)
}

func TestLinker_Link_SameAccountSkipsLogout(t *testing.T) {
	var calls []string
	provider := &scriptedProvider{currentUser: "user-1", calls: &calls}
	linker := newTestLinker(t, provider, &scriptedFlusher{calls: &calls}, &scriptedEnsurer{calls: &calls})

	linker.Link(context.Background(), "user-1")

	assert.Equal(t, []string{"login:user-1", "restore", "flush", "ensure"}, calls)
}

func TestLinker_Link_AnonymousCurrentUserSkipsLogout(t *testing.T) {
	var calls []string
	provider := &scriptedProvider{currentUser: "anon-abc123", calls: &calls}
	linker := newTestLinker(t, provider, &scriptedFlusher{calls: &calls}, &scriptedEnsurer{calls: &calls})

	linker.Link(context.Background(), "user-1")

	assert.Equal(t, []string{"login:user-1", "restore", "flush", "ensure"}, calls)
}

func TestLinker_Link_FailedStepDoesNotStopProtocol(t *testing.T) {
	var calls []string
	provider := &scriptedProvider{
		calls:      &calls,
		restoreErr: apperrors.NewBillingAPIError("502 Bad Gateway", true),
	}
	flusher := &scriptedFlusher{calls: &calls, err: apperrors.NewRemoteUnavailableError("credits", assert.AnError)}
	linker := newTestLinker(t, provider, flusher, &scriptedEnsurer{calls: &calls})

	linker.Link(context.Background(), "user-1")

	// Steps three and four fail; five still runs.
	assert.Equal(t, []string{"login:user-1", "restore", "flush", "ensure"}, calls)
}
