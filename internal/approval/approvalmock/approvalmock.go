// Package approvalmock has testify mocks of the approval boundaries.
package approvalmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/model"
)

// MockStore is a mock of approval.Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateApproval(ctx context.Context, req model.ApprovalRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockStore) GetApproval(ctx context.Context, id string) (*model.ApprovalView, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*model.ApprovalView), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockNotifier is a mock of approval.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n approval.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

var (
	_ approval.Store    = &MockStore{}
	_ approval.Notifier = &MockNotifier{}
)
