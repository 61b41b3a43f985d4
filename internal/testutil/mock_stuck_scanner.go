package testutil

import (
	"context"

	"github.com/haatos/runsync/internal/service"
	"github.com/stretchr/testify/mock"
)

type MockStuckScanner struct {
	mock.Mock
}

func (m *MockStuckScanner) Stats() service.ScannerStats {
	args := m.Called()
	return args.Get(0).(service.ScannerStats)
}

func (m *MockStuckScanner) Health() service.ScannerHealth {
	args := m.Called()
	return args.Get(0).(service.ScannerHealth)
}

func (m *MockStuckScanner) RunCycle(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}
