// Package mocks provides shared test doubles for the funnel ports.
package mocks

import (
	"context"

	"github.com/kevin07696/funnel-service/internal/domain"
	"github.com/kevin07696/funnel-service/internal/domain/ports"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a testify mock of ports.PaymentGateway
type MockGateway struct {
	mock.Mock
}

var _ ports.PaymentGateway = (*MockGateway)(nil)

func (m *MockGateway) Sale(ctx context.Context, req *domain.ChargeRequest) (*domain.GatewayResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayResult), args.Error(1)
}

func (m *MockGateway) UpdateVault(ctx context.Context, req *domain.VaultUpdateRequest) (*domain.GatewayResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayResult), args.Error(1)
}

// SaleCalls returns the charge requests the mock received, in order
func (m *MockGateway) SaleCalls() []*domain.ChargeRequest {
	var out []*domain.ChargeRequest
	for _, call := range m.Calls {
		if call.Method == "Sale" {
			out = append(out, call.Arguments.Get(1).(*domain.ChargeRequest))
		}
	}
	return out
}
