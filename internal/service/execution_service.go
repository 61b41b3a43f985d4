package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haatos/runsync/internal"
	"github.com/haatos/runsync/internal/jenkins"
	"github.com/haatos/runsync/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// StatusProvider is the CI system a run's status is pulled from.
type StatusProvider interface {
	GetBuildStatus(ctx context.Context, job, buildID string) (*jenkins.BuildStatus, error)
	ExtractResults(ctx context.Context, job, buildID string, build *jenkins.BuildStatus) *jenkins.TestResults
	CheckConnection(ctx context.Context) error
}

type Notifier interface {
	PushExecutionUpdate(ExecutionUpdate) int
	PushQuickFailAlert(QuickFailAlert) int
}

type ExecutionServicer interface {
	CreateExecution(ctx context.Context, jobName string, totalCases int64) (*store.ExecutionRun, error)
	GetExecution(ctx context.Context, id int64) (*store.ExecutionRun, error)
	ListRunResults(ctx context.Context, id int64) ([]store.RunResult, error)
	AttachJenkinsBuild(ctx context.Context, id int64, job, buildID, url string) error
	MarkRunning(ctx context.Context, id int64, source UpdateSource) (bool, error)
	ListStuckExecutions(ctx context.Context, olderThan time.Duration, limit int64) ([]StuckExecution, error)
	CheckAndHandleTimeouts(ctx context.Context, timeout time.Duration, limit int64) (TimeoutReport, error)
	CheckConnection(ctx context.Context) error
}

// SyncResult describes one reconciliation of a run against its build.
type SyncResult struct {
	RunID           int64           `json:"runId"`
	Updated         bool            `json:"updated"`
	Terminal        bool            `json:"terminal"`
	PreviousStatus  store.RunStatus `json:"previousStatus"`
	Status          store.RunStatus `json:"status"`
	ExternalStatus  store.RunStatus `json:"externalStatus,omitempty"`
	BuildResult     string          `json:"buildResult,omitempty"`
	BuildDurationMs int64           `json:"buildDurationMs,omitempty"`
	Message         string          `json:"message"`
}

type StuckClass string

const (
	StuckClassEarly StuckClass = "early_stuck"
	StuckClassStuck StuckClass = "stuck"
)

type StuckExecution struct {
	store.ExecutionRun
	ElapsedMs      int64      `json:"elapsedMs"`
	Classification StuckClass `json:"classification"`
}

type TimeoutReport struct {
	Checked  int     `json:"checked"`
	Synced   int     `json:"synced"`
	TimedOut int     `json:"timedOut"`
	Errors   int     `json:"errors"`
	RunIDs   []int64 `json:"timedOutRunIds"`
}

// ConsistencyMismatch is a run whose persisted status differs from the one
// its build reports.
type ConsistencyMismatch struct {
	RunID     int64           `json:"runId"`
	Persisted store.RunStatus `json:"persisted"`
	External  store.RunStatus `json:"external"`
}

type ExecutionService struct {
	store    store.ExecutionStore
	provider StatusProvider
	notifier Notifier
	config   internal.MonitorConfiguration
	clock    clockwork.Clock
	logger   *zap.SugaredLogger
}

func NewExecutionService(
	s store.ExecutionStore,
	provider StatusProvider,
	notifier Notifier,
	config internal.MonitorConfiguration,
	clock clockwork.Clock,
	logger *zap.SugaredLogger,
) *ExecutionService {
	return &ExecutionService{
		store:    s,
		provider: provider,
		notifier: notifier,
		config:   config,
		clock:    clock,
		logger:   logger,
	}
}

func (s *ExecutionService) CreateExecution(
	ctx context.Context,
	jobName string,
	totalCases int64,
) (*store.ExecutionRun, error) {
	return s.store.CreateRun(ctx, jobName, totalCases, s.clock.Now())
}

func (s *ExecutionService) GetExecution(ctx context.Context, id int64) (*store.ExecutionRun, error) {
	run, err := s.store.ReadRunByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *ExecutionService) ListRunResults(ctx context.Context, id int64) ([]store.RunResult, error) {
	if _, err := s.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRunResults(ctx, id)
}

func (s *ExecutionService) AttachJenkinsBuild(
	ctx context.Context,
	id int64,
	job, buildID, url string,
) error {
	err := s.store.UpdateRunJenkinsInfo(ctx, id, job, buildID, url)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	return err
}

// MarkRunning moves a pending run to running and notifies its subscribers.
func (s *ExecutionService) MarkRunning(ctx context.Context, id int64, source UpdateSource) (bool, error) {
	applied, err := s.store.UpdateRunStarted(ctx, id, s.clock.Now())
	if err != nil || !applied {
		return applied, err
	}
	s.notifier.PushExecutionUpdate(ExecutionUpdate{
		RunID:     id,
		Status:    store.StatusRunning,
		Source:    source,
		Timestamp: s.clock.Now(),
	})
	return true, nil
}

// CompleteExecution persists a terminal write through the completion guard
// and notifies subscribers when it was applied. It returns ErrRunNotFound
// for a run id with no row.
func (s *ExecutionService) CompleteExecution(
	ctx context.Context,
	id int64,
	completion store.Completion,
	source UpdateSource,
	force bool,
) (bool, error) {
	if completion.EndedOn.IsZero() {
		completion.EndedOn = s.clock.Now()
	}
	if n := len(completion.Results); n > 0 {
		counted := completion.PassedCases + completion.FailedCases + completion.SkippedCases
		if counted != int64(n) {
			s.logger.Warnw("reported case counts do not match results",
				"run_id", id,
				"counted", counted,
				"results", n,
			)
		}
	}

	applied, err := s.store.CompleteRun(ctx, id, completion, force)
	if err != nil {
		s.logger.Errorw("failed to persist run completion",
			"run_id", id,
			"status", completion.Status,
			"source", source,
			"error", err,
		)
		return false, err
	}
	if !applied {
		// zero rows changed means either a terminal run or no run at all
		if _, err := s.GetExecution(ctx, id); err != nil {
			return false, err
		}
		s.logger.Debugw("run already terminal, completion skipped",
			"run_id", id,
			"status", completion.Status,
			"source", source,
		)
		return false, nil
	}

	s.notifier.PushExecutionUpdate(ExecutionUpdate{
		RunID:        id,
		Status:       completion.Status,
		PassedCases:  &completion.PassedCases,
		FailedCases:  &completion.FailedCases,
		SkippedCases: &completion.SkippedCases,
		DurationMs:   &completion.DurationMs,
		Source:       source,
		Timestamp:    s.clock.Now(),
	})
	return true, nil
}

// SyncExecutionStatus reconciles a run with the status its Jenkins build
// reports. Runs that are already terminal are left untouched.
func (s *ExecutionService) SyncExecutionStatus(
	ctx context.Context,
	id int64,
	source UpdateSource,
) (SyncResult, error) {
	run, err := s.GetExecution(ctx, id)
	if err != nil {
		return SyncResult{}, err
	}
	result := SyncResult{RunID: id, PreviousStatus: run.Status, Status: run.Status}
	if run.Status.IsTerminal() {
		result.Terminal = true
		result.Message = fmt.Sprintf("run already %s", run.Status)
		return result, nil
	}
	if !run.HasExternalReference() {
		return result, &SyncError{RunID: id, Err: ErrNoExternalReference}
	}

	build, err := s.provider.GetBuildStatus(ctx, *run.JenkinsJob, *run.JenkinsBuildID)
	if err != nil {
		return result, &SyncError{RunID: id, Err: err}
	}
	external := jenkins.MapBuildStatus(build.Building, build.Result)
	result.ExternalStatus = external
	result.BuildResult = build.ResultString()
	result.BuildDurationMs = build.Duration

	switch {
	case external.IsTerminal():
		tr := s.provider.ExtractResults(ctx, *run.JenkinsJob, *run.JenkinsBuildID, build)
		completion := s.completionFromBuild(run, external, build, tr)
		applied, err := s.CompleteExecution(ctx, id, completion, source, false)
		if err != nil {
			return result, &SyncError{RunID: id, Err: err}
		}
		result.Terminal = true
		if applied {
			result.Updated = true
			result.Status = external
			result.Message = fmt.Sprintf("run completed as %s from %s", external, tr.Source)
			return result, nil
		}
		if current, err := s.store.ReadRunByID(ctx, id); err == nil {
			result.Status = current.Status
		}
		result.Message = "run was completed concurrently"
	case external == store.StatusRunning && run.Status == store.StatusPending:
		applied, err := s.MarkRunning(ctx, id, source)
		if err != nil {
			return result, &SyncError{RunID: id, Err: err}
		}
		result.Updated = applied
		result.Status = store.StatusRunning
		result.Message = "build is running"
	default:
		if build.IsAmbiguous() {
			s.logger.Warnw("build finished without a result",
				"run_id", id,
				"job", *run.JenkinsJob,
				"build_id", *run.JenkinsBuildID,
			)
		}
		result.Message = fmt.Sprintf("status unchanged (%s)", run.Status)
	}
	return result, nil
}

func (s *ExecutionService) completionFromBuild(
	run *store.ExecutionRun,
	status store.RunStatus,
	build *jenkins.BuildStatus,
	tr *jenkins.TestResults,
) store.Completion {
	now := s.clock.Now()
	duration := build.Duration
	if duration <= 0 {
		duration = tr.DurationMs
	}
	if duration <= 0 {
		duration = run.Elapsed(now).Milliseconds()
	}
	if run.TotalCases > 0 && tr.Total > 0 && tr.Total != run.TotalCases {
		s.logger.Warnw("extracted case total differs from expected",
			"run_id", run.RunID,
			"expected", run.TotalCases,
			"extracted", tr.Total,
			"source", tr.Source,
		)
	}
	msg := fmt.Sprintf("jenkins build %d finished with %s", build.Number, build.ResultString())
	return store.Completion{
		Status:       status,
		PassedCases:  tr.Passed,
		FailedCases:  tr.Failed,
		SkippedCases: tr.Skipped,
		DurationMs:   duration,
		Message:      &msg,
		EndedOn:      now,
		Results:      tr.Results,
	}
}

// ListActiveRuns returns pending and running runs created between newerThan
// and olderThan.
func (s *ExecutionService) ListActiveRuns(
	ctx context.Context,
	olderThan, newerThan time.Time,
	limit int64,
) ([]store.ExecutionRun, error) {
	return s.store.ListActiveRuns(ctx, olderThan, newerThan, limit)
}

// AbandonStaleRuns force-aborts active runs created before olderThan.
func (s *ExecutionService) AbandonStaleRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.store.AbandonRuns(
		ctx, olderThan, s.clock.Now(),
		"abandoned: run exceeded maximum age without reaching a terminal status",
	)
}

// ListStuckExecutions returns active runs older than olderThan, classified by
// how long they have been waiting.
func (s *ExecutionService) ListStuckExecutions(
	ctx context.Context,
	olderThan time.Duration,
	limit int64,
) ([]StuckExecution, error) {
	now := s.clock.Now()
	runs, err := s.store.ListActiveRuns(ctx, now.Add(-olderThan), time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	stuck := make([]StuckExecution, 0, len(runs))
	for _, run := range runs {
		elapsed := run.Elapsed(now)
		class := StuckClassEarly
		if elapsed >= s.config.StuckThreshold {
			class = StuckClassStuck
		} else if elapsed < s.config.EarlyStuckThreshold {
			continue
		}
		stuck = append(stuck, StuckExecution{
			ExecutionRun:   run,
			ElapsedMs:      elapsed.Milliseconds(),
			Classification: class,
		})
	}
	return stuck, nil
}

// VerifyConsistency compares the persisted status of active runs with a
// Jenkins reference against the status their builds report.
func (s *ExecutionService) VerifyConsistency(
	ctx context.Context,
	limit int64,
) ([]ConsistencyMismatch, error) {
	runs, err := s.store.ListRunsWithExternalRef(ctx, limit)
	if err != nil {
		return nil, err
	}
	mismatches := make([]ConsistencyMismatch, 0)
	for _, run := range runs {
		if run.Status.IsTerminal() || !run.HasExternalReference() {
			continue
		}
		build, err := s.provider.GetBuildStatus(ctx, *run.JenkinsJob, *run.JenkinsBuildID)
		if err != nil {
			s.logger.Warnw("consistency check could not read build",
				"run_id", run.RunID,
				"error", err,
			)
			continue
		}
		external := jenkins.MapBuildStatus(build.Building, build.Result)
		if external != run.Status && external != store.StatusPending {
			mismatches = append(mismatches, ConsistencyMismatch{
				RunID:     run.RunID,
				Persisted: run.Status,
				External:  external,
			})
		}
	}
	return mismatches, nil
}

// CheckAndHandleTimeouts syncs every active run older than timeout and
// aborts the ones that cannot be synced.
func (s *ExecutionService) CheckAndHandleTimeouts(
	ctx context.Context,
	timeout time.Duration,
	limit int64,
) (TimeoutReport, error) {
	now := s.clock.Now()
	report := TimeoutReport{RunIDs: make([]int64, 0)}
	runs, err := s.store.ListActiveRuns(ctx, now.Add(-timeout), time.Time{}, limit)
	if err != nil {
		return report, err
	}
	for _, run := range runs {
		report.Checked++
		res, err := s.SyncExecutionStatus(ctx, run.RunID, SourceMonitor)
		if err == nil {
			if res.Updated {
				report.Synced++
			}
			continue
		}
		s.logger.Warnw("timed out run could not be synced, aborting",
			"run_id", run.RunID,
			"error", err,
		)
		msg := fmt.Sprintf("execution timed out after %s", timeout)
		applied, err := s.CompleteExecution(ctx, run.RunID, store.Completion{
			Status:       store.StatusAborted,
			PassedCases:  run.PassedCases,
			FailedCases:  run.FailedCases,
			SkippedCases: run.SkippedCases,
			DurationMs:   run.Elapsed(now).Milliseconds(),
			Message:      &msg,
			EndedOn:      now,
		}, SourceMonitor, false)
		if err != nil {
			report.Errors++
			continue
		}
		if applied {
			report.TimedOut++
			report.RunIDs = append(report.RunIDs, run.RunID)
		}
	}
	return report, nil
}

func (s *ExecutionService) CheckConnection(ctx context.Context) error {
	return s.provider.CheckConnection(ctx)
}
