package ports

import (
	"context"

	"github.com/kevin07696/funnel-service/internal/domain"
)

// PaymentGateway charges cards and manages the gateway-side customer vault.
//
// Sale and UpdateVault return a non-nil result whenever the gateway answered.
// A non-approved answer also returns a classified *domain.DomainError:
//   - GATEWAY_DECLINED with a decline category
//   - GATEWAY_DUPLICATE with the prior transaction id in Details["prior_transaction_id"] when known
//   - VAULT_ERROR when a stored vault reference was rejected
//
//   - GATEWAY_UNAVAILABLE when the processor reported a communication error
//
// Transport failures and timeouts return GATEWAY_UNAVAILABLE and a nil result.
// Unconfirmed is set when the request may have reached the gateway.
type PaymentGateway interface {
	Sale(ctx context.Context, req *domain.ChargeRequest) (*domain.GatewayResult, error)
	UpdateVault(ctx context.Context, req *domain.VaultUpdateRequest) (*domain.GatewayResult, error)
}
