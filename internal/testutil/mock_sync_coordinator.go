package testutil

import (
	"context"

	"github.com/haatos/runsync/internal/service"
	"github.com/stretchr/testify/mock"
)

type MockSyncCoordinator struct {
	mock.Mock
}

func (m *MockSyncCoordinator) StartMonitoring(runID int64) bool {
	args := m.Called(runID)
	return args.Bool(0)
}

func (m *MockSyncCoordinator) StopMonitoring(runID int64) {
	m.Called(runID)
}

func (m *MockSyncCoordinator) HandleCallback(ctx context.Context, data service.CallbackData) error {
	args := m.Called(ctx, data)
	return args.Error(0)
}

func (m *MockSyncCoordinator) ManualSync(ctx context.Context, runID int64) (service.SyncResult, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(service.SyncResult), args.Error(1)
}

func (m *MockSyncCoordinator) GetSyncStatus(runID int64) (service.SyncStatus, bool) {
	args := m.Called(runID)
	return args.Get(0).(service.SyncStatus), args.Bool(1)
}

func (m *MockSyncCoordinator) ListSyncStatuses() []service.SyncStatus {
	args := m.Called()
	return args.Get(0).([]service.SyncStatus)
}

func (m *MockSyncCoordinator) Stats() service.MonitoringStats {
	args := m.Called()
	return args.Get(0).(service.MonitoringStats)
}
