package testutil

import (
	"context"
	"time"

	"github.com/haatos/runsync/internal/service"
	"github.com/haatos/runsync/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockExecutionService struct {
	mock.Mock
}

func (m *MockExecutionService) CreateExecution(
	ctx context.Context,
	jobName string,
	totalCases int64,
) (*store.ExecutionRun, error) {
	args := m.Called(ctx, jobName, totalCases)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ExecutionRun), nil
}

func (m *MockExecutionService) GetExecution(ctx context.Context, id int64) (*store.ExecutionRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ExecutionRun), nil
}

func (m *MockExecutionService) ListRunResults(ctx context.Context, id int64) ([]store.RunResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.RunResult), nil
}

func (m *MockExecutionService) AttachJenkinsBuild(
	ctx context.Context,
	id int64,
	job, buildID, url string,
) error {
	args := m.Called(ctx, id, job, buildID, url)
	return args.Error(0)
}

func (m *MockExecutionService) MarkRunning(
	ctx context.Context,
	id int64,
	source service.UpdateSource,
) (bool, error) {
	args := m.Called(ctx, id, source)
	return args.Bool(0), args.Error(1)
}

func (m *MockExecutionService) ListStuckExecutions(
	ctx context.Context,
	olderThan time.Duration,
	limit int64,
) ([]service.StuckExecution, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]service.StuckExecution), nil
}

func (m *MockExecutionService) CheckAndHandleTimeouts(
	ctx context.Context,
	timeout time.Duration,
	limit int64,
) (service.TimeoutReport, error) {
	args := m.Called(ctx, timeout, limit)
	return args.Get(0).(service.TimeoutReport), args.Error(1)
}

func (m *MockExecutionService) CheckConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
