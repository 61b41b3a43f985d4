package store

import (
	"context"
	"time"
)

type ExecutionStore interface {
	CreateRun(ctx context.Context, jobName string, totalCases int64, createdOn time.Time) (*ExecutionRun, error)
	ReadRunByID(context.Context, int64) (*ExecutionRun, error)
	UpdateRunJenkinsInfo(ctx context.Context, id int64, job, buildID, url string) error
	UpdateRunStarted(ctx context.Context, id int64, startedOn time.Time) (bool, error)
	CompleteRun(ctx context.Context, id int64, completion Completion, force bool) (bool, error)
	ListActiveRuns(ctx context.Context, olderThan, newerThan time.Time, limit int64) ([]ExecutionRun, error)
	ListRunsWithExternalRef(ctx context.Context, limit int64) ([]ExecutionRun, error)
	AbandonRuns(ctx context.Context, olderThan, endedOn time.Time, message string) (int64, error)
	ListRunResults(context.Context, int64) ([]RunResult, error)
}
