package recovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sessionadapter "github.com/kevin07696/funnel-service/internal/adapters/session"
	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/services/recovery"
	"github.com/kevin07696/funnel-service/internal/services/session"
	"github.com/kevin07696/funnel-service/internal/testutil/fixtures"
	"github.com/kevin07696/funnel-service/internal/testutil/mocks"
	pkgerrors "github.com/kevin07696/funnel-service/pkg/errors"
	"github.com/kevin07696/funnel-service/pkg/timeutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRetrier struct {
	outcome *domain.ChargeOutcome
	err     error
	calls   []*domain.FunnelSession
	tokens  []string
}

func (f *fakeRetrier) RetryPendingCharge(ctx context.Context, sess *domain.FunnelSession, freshToken string) (*domain.ChargeOutcome, error) {
	f.calls = append(f.calls, sess)
	f.tokens = append(f.tokens, freshToken)
	return f.outcome, f.err
}

type harness struct {
	svc      *recovery.Service
	gateway  *mocks.MockGateway
	sessions *session.Store
	events   *mocks.EventRecorder
	retrier  *fakeRetrier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timeutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		gateway:  &mocks.MockGateway{},
		sessions: session.NewStore(sessionadapter.NewMemoryBackend(), time.Hour, clock, zap.NewNop()),
		events:   &mocks.EventRecorder{},
		retrier:  &fakeRetrier{outcome: &domain.ChargeOutcome{TransactionID: "txn-retry", NextStep: domain.UpsellStep(2)}},
	}
	h.svc = recovery.NewService(h.sessions, h.gateway, h.events, clock, zap.NewNop())
	h.svc.RegisterRetrier(domain.ChargeKindUpsell, h.retrier)
	h.svc.RegisterRetrier(domain.ChargeKindCheckout, h.retrier)
	return h
}

// pendingSession creates a session with a pending charge of kind; vaultID
// may be empty
func (h *harness) pendingSession(t *testing.T, kind domain.ChargeKind, vaultID string) *domain.FunnelSession {
	t.Helper()
	ctx := context.Background()
	sess, err := h.sessions.Create(ctx, domain.NewSession{Customer: fixtures.Customer("CA"), Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	sess, err = h.sessions.Mutate(ctx, sess.ID, func(s *domain.FunnelSession) error {
		s.Status = domain.SessionStatusCompleted
		s.VaultID = vaultID
		s.PendingCharge = &domain.PendingCharge{
			Kind:        kind,
			Step:        1,
			ProductCode: "AUDIO-UPGRADE",
			Amount:      decimal.NewFromInt(27),
		}
		return nil
	})
	require.NoError(t, err)
	return sess
}

func TestRecover_UpdatesVaultAndRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.pendingSession(t, domain.ChargeKindUpsell, "vault-1")

	h.gateway.On("UpdateVault", mock.Anything, mock.MatchedBy(func(r *domain.VaultUpdateRequest) bool {
		return r.VaultID == "vault-1" && r.PaymentToken == "tok_new" && r.Customer.Billing.State == "NY"
	})).Return(&domain.GatewayResult{Approved: true, VaultID: "vault-1", TransactionID: "txn-vault"}, nil).Once()

	res, err := h.svc.Recover(ctx, recovery.Request{
		SessionID:    sess.ID,
		PaymentToken: "tok_new",
		Billing:      &domain.Address{Address1: "1 Broadway", City: "New York", State: "NY", Zip: "10004"},
	})
	require.NoError(t, err)
	assert.Equal(t, "vault-1", res.VaultID)
	assert.Equal(t, "txn-retry", res.Charge.TransactionID)

	require.Len(t, h.retrier.calls, 1)
	retried := h.retrier.calls[0]
	assert.NotNil(t, retried.LastVaultUpdate, "retry sees the refreshed vault")
	assert.True(t, retried.PendingCharge.RecoveryAttempted)

	latest, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, latest.LastVaultUpdate)
	assert.Equal(t, []domain.EventType{domain.EventVaultUpdated}, h.events.Types())
	h.gateway.AssertExpectations(t)
}

func TestRecover_OneAttemptPerPendingCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.pendingSession(t, domain.ChargeKindUpsell, "vault-1")

	h.gateway.On("UpdateVault", mock.Anything, mock.Anything).
		Return(&domain.GatewayResult{Approved: true, VaultID: "vault-1"}, nil).Once()

	_, err := h.svc.Recover(ctx, recovery.Request{SessionID: sess.ID, PaymentToken: "tok_1"})
	require.NoError(t, err)

	_, err = h.svc.Recover(ctx, recovery.Request{SessionID: sess.ID, PaymentToken: "tok_2"})
	assert.ErrorIs(t, err, domain.ErrRecoveryExhausted)
	assert.Len(t, h.retrier.calls, 1)
	h.gateway.AssertNumberOfCalls(t, "UpdateVault", 1)
}

func TestRecover_VaultUpdateFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.pendingSession(t, domain.ChargeKindUpsell, "vault-1")

	h.gateway.On("UpdateVault", mock.Anything, mock.Anything).
		Return(fixtures.Declined(""), domain.NewDeclinedError(pkgerrors.CategoryExpiredCard, "Expired card")).Once()

	_, err := h.svc.Recover(ctx, recovery.Request{SessionID: sess.ID, PaymentToken: "tok_new"})
	require.Error(t, err)
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeGatewayDeclined))
	assert.Empty(t, h.retrier.calls)

	latest, err := h.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, latest.PendingCharge)
	assert.Nil(t, latest.LastVaultUpdate)
	assert.Empty(t, h.events.Types())
}

func TestRecover_SecondVaultRejectionIsExhausted(t *testing.T) {
	h := newHarness(t)
	sess := h.pendingSession(t, domain.ChargeKindUpsell, "vault-1")
	h.retrier.outcome = nil
	h.retrier.err = domain.NewVaultError("Invalid Customer Vault Id")

	h.gateway.On("UpdateVault", mock.Anything, mock.Anything).
		Return(&domain.GatewayResult{Approved: true, VaultID: "vault-1"}, nil).Once()

	_, err := h.svc.Recover(context.Background(), recovery.Request{SessionID: sess.ID, PaymentToken: "tok_new"})
	require.Error(t, err)
	assert.True(t, domain.IsDomainError(err, domain.ErrorCodeRecoveryExhausted))
	assert.True(t, domain.IsVaultError(errors.Unwrap(err)))
}

func TestRecover_CheckoutWithoutVaultSkipsUpdate(t *testing.T) {
	h := newHarness(t)
	sess := h.pendingSession(t, domain.ChargeKindCheckout, "")

	_, err := h.svc.Recover(context.Background(), recovery.Request{SessionID: sess.ID, PaymentToken: "tok_new"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok_new"}, h.retrier.tokens)
	h.gateway.AssertNotCalled(t, "UpdateVault", mock.Anything, mock.Anything)
}

func TestRecover_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Recover(ctx, recovery.Request{SessionID: "s"})
	assert.True(t, domain.IsValidationError(err))

	_, err = h.svc.Recover(ctx, recovery.Request{SessionID: "missing", PaymentToken: "tok"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	sess, err := h.sessions.Create(ctx, domain.NewSession{Customer: fixtures.Customer("CA")})
	require.NoError(t, err)
	_, err = h.svc.Recover(ctx, recovery.Request{SessionID: sess.ID, PaymentToken: "tok"})
	assert.ErrorIs(t, err, domain.ErrNoPendingCharge)

	noVault := h.pendingSession(t, domain.ChargeKindUpsell, "")
	_, err = h.svc.Recover(ctx, recovery.Request{SessionID: noVault.ID, PaymentToken: "tok"})
	assert.ErrorIs(t, err, domain.ErrNoVaultReference)
}

func TestUpdateVaultDirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateVaultDirect(ctx, "", "", domain.CustomerInfo{})
	require.Error(t, err)
	de, _ := domain.AsDomainError(err)
	assert.Contains(t, de.Fields, "vault_id")
	assert.Contains(t, de.Fields, "payment_token")

	h.gateway.On("UpdateVault", mock.Anything, mock.Anything).
		Return(&domain.GatewayResult{Approved: true, VaultID: "vault-9", TransactionID: "txn-v"}, nil).Once()

	res, err := h.svc.UpdateVaultDirect(ctx, "vault-9", "tok", fixtures.Customer("CA"))
	require.NoError(t, err)
	assert.Equal(t, "vault-9", res.VaultID)

	events := h.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventVaultUpdated, events[0].Type)
	assert.Equal(t, "vault-9", events[0].VaultID)
}
