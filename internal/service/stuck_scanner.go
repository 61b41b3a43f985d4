package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/haatos/runsync/internal"
	"github.com/haatos/runsync/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	QuickFailErrorType = "compilation_error"

	healthyErrorRate = 0.5
	stuckCycleFactor = 3
)

// RunScanner is the part of the execution service the stuck scanner reads
// and repairs persisted runs through.
type RunScanner interface {
	ListActiveRuns(ctx context.Context, olderThan, newerThan time.Time, limit int64) ([]store.ExecutionRun, error)
	SyncExecutionStatus(ctx context.Context, id int64, source UpdateSource) (SyncResult, error)
	AbandonStaleRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

type ScannerStats struct {
	Running             bool       `json:"running"`
	Processing          bool       `json:"processing"`
	Cycles              int64      `json:"cycles"`
	Checked             int64      `json:"checked"`
	Updated             int64      `json:"updated"`
	CompilationFailures int64      `json:"compilationFailures"`
	Errors              int64      `json:"errors"`
	Abandoned           int64      `json:"abandoned"`
	LastCycleAt         *time.Time `json:"lastCycleAt,omitempty"`
	LastCycleDurationMs int64      `json:"lastCycleDurationMs"`
	LastCleanupAt       *time.Time `json:"lastCleanupAt,omitempty"`
}

type ScannerHealth struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
}

// IsQuickFail reports a failed build that finished within the threshold,
// which usually means the job never got past compilation or setup.
func IsQuickFail(status store.RunStatus, elapsed, threshold time.Duration) bool {
	return status == store.StatusFailed && elapsed > 0 && elapsed < threshold
}

// StuckScanner periodically syncs persisted runs that are still pending or
// running, independently of the coordinator. It repairs runs nothing is
// tracking anymore, such as the ones left over from a restart.
type StuckScanner struct {
	runs     RunScanner
	notifier Notifier
	config   internal.MonitorConfiguration
	clock    clockwork.Clock
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	m              sync.Mutex
	running        bool
	processing     bool
	cycleStartedAt time.Time
	stats          ScannerStats
	jobs           []gocron.Job
	ctx            context.Context
	cancel         context.CancelFunc
}

func NewStuckScanner(
	runs RunScanner,
	notifier Notifier,
	config internal.MonitorConfiguration,
	clock clockwork.Clock,
	logger *zap.SugaredLogger,
) *StuckScanner {
	limit := rate.Inf
	if config.RateLimitDelay > 0 {
		limit = rate.Every(config.RateLimitDelay)
	}
	return &StuckScanner{
		runs:     runs,
		notifier: notifier,
		config:   config,
		clock:    clock,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
	}
}

// Start registers the scan and cleanup cycles with the scheduler. A disabled
// scanner registers nothing.
func (ss *StuckScanner) Start(s gocron.Scheduler) error {
	if !ss.config.Enabled {
		ss.logger.Info("stuck execution scanner disabled")
		return nil
	}
	ss.m.Lock()
	defer ss.m.Unlock()
	if ss.running {
		return nil
	}
	ss.ctx, ss.cancel = context.WithCancel(context.Background())
	ctx := ss.ctx

	scan, err := s.NewJob(
		gocron.DurationJob(ss.config.CheckInterval),
		gocron.NewTask(func() {
			ss.RunCycle(ctx)
		}),
		gocron.WithName("stuck-scan"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		ss.cancel()
		return err
	}
	cleanup, err := s.NewJob(
		gocron.DurationJob(ss.config.CleanupInterval),
		gocron.NewTask(func() {
			if _, err := ss.RunCleanup(ctx); err != nil {
				ss.logger.Errorw("stale run cleanup failed", "error", err)
			}
		}),
		gocron.WithName("stale-run-cleanup"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.RemoveJob(scan.ID())
		ss.cancel()
		return err
	}
	ss.jobs = []gocron.Job{scan, cleanup}
	ss.running = true
	ss.logger.Infow("stuck execution scanner started",
		"check_interval", ss.config.CheckInterval,
		"cleanup_interval", ss.config.CleanupInterval,
		"batch_size", ss.config.BatchSize,
	)
	return nil
}

// Stop removes the scanner's jobs and cancels an in-flight cycle.
func (ss *StuckScanner) Stop(s gocron.Scheduler) {
	ss.m.Lock()
	defer ss.m.Unlock()
	if !ss.running {
		return
	}
	for _, j := range ss.jobs {
		if err := s.RemoveJob(j.ID()); err != nil {
			ss.logger.Warnw("failed to remove scanner job", "job", j.Name(), "error", err)
		}
	}
	ss.jobs = nil
	ss.cancel()
	ss.running = false
}

// RunCycle syncs one batch of candidate runs. It reports false, doing
// nothing, while a previous cycle is still in progress.
func (ss *StuckScanner) RunCycle(ctx context.Context) bool {
	ss.m.Lock()
	if ss.processing {
		ss.m.Unlock()
		ss.logger.Debug("previous scan cycle still in progress, skipping")
		return false
	}
	ss.processing = true
	started := ss.clock.Now()
	ss.cycleStartedAt = started
	ss.m.Unlock()

	var checked, updated, quickFails, errs int64
	defer func() {
		d := ss.clock.Since(started)
		ss.m.Lock()
		ss.processing = false
		ss.stats.Cycles++
		ss.stats.Checked += checked
		ss.stats.Updated += updated
		ss.stats.CompilationFailures += quickFails
		ss.stats.Errors += errs
		ss.stats.LastCycleAt = &started
		ss.stats.LastCycleDurationMs = d.Milliseconds()
		ss.m.Unlock()
		RecordScanCycle(d)
	}()

	runs, err := ss.runs.ListActiveRuns(
		ctx,
		started.Add(-ss.config.CompilationCheckWindow),
		started.Add(-ss.config.Lookback),
		int64(ss.config.BatchSize),
	)
	if err != nil {
		errs++
		ss.logger.Errorw("failed to list candidate runs", "error", err)
		return true
	}

	for _, run := range runs {
		if err := ss.limiter.Wait(ctx); err != nil {
			break
		}
		checked++
		res, err := ss.runs.SyncExecutionStatus(ctx, run.RunID, SourceMonitor)
		if err != nil {
			errs++
			RecordScannedRun("error")
			ss.logger.Warnw("failed to sync candidate run",
				"run_id", run.RunID,
				"error", err,
			)
			continue
		}
		if !res.Updated {
			RecordScannedRun("unchanged")
			continue
		}
		updated++
		RecordScannedRun("updated")

		elapsed := time.Duration(res.BuildDurationMs) * time.Millisecond
		if elapsed <= 0 {
			elapsed = run.Elapsed(ss.clock.Now())
		}
		if IsQuickFail(res.Status, elapsed, ss.config.QuickFailThreshold) {
			quickFails++
			RecordScannedRun("quick_fail")
			ss.alertQuickFail(run.RunID, elapsed)
		}
	}

	if checked > 0 {
		ss.logger.Infow("scan cycle finished",
			"checked", checked,
			"updated", updated,
			"quick_fails", quickFails,
			"errors", errs,
		)
	}
	return true
}

func (ss *StuckScanner) alertQuickFail(runID int64, elapsed time.Duration) {
	ss.logger.Warnw("run failed quickly, likely a compilation or configuration error",
		"run_id", runID,
		"elapsed", elapsed,
	)
	ss.notifier.PushQuickFailAlert(QuickFailAlert{
		RunID: runID,
		Message: fmt.Sprintf(
			"execution failed after %s, check the job for compilation or configuration errors",
			elapsed.Round(time.Millisecond),
		),
		ErrorType: QuickFailErrorType,
		Duration:  elapsed.Milliseconds(),
		Timestamp: ss.clock.Now(),
	})
}

// RunCleanup aborts runs that stayed pending or running past the maximum age.
func (ss *StuckScanner) RunCleanup(ctx context.Context) (int64, error) {
	now := ss.clock.Now()
	n, err := ss.runs.AbandonStaleRuns(ctx, now.Add(-ss.config.MaxAge))
	if err != nil {
		return 0, err
	}
	ss.m.Lock()
	ss.stats.Abandoned += n
	ss.stats.LastCleanupAt = &now
	ss.m.Unlock()
	if n > 0 {
		ss.logger.Warnw("abandoned stale runs",
			"count", n,
			"max_age", ss.config.MaxAge,
		)
	}
	return n, nil
}

func (ss *StuckScanner) Stats() ScannerStats {
	ss.m.Lock()
	defer ss.m.Unlock()
	stats := ss.stats
	stats.Running = ss.running
	stats.Processing = ss.processing
	return stats
}

// Health reports problems with the scanner: not running while enabled, a
// cycle that has been in progress for too long or too many failed syncs.
func (ss *StuckScanner) Health() ScannerHealth {
	ss.m.Lock()
	defer ss.m.Unlock()
	issues := make([]string, 0)
	if ss.config.Enabled && !ss.running {
		issues = append(issues, "scanner is enabled but not running")
	}
	if ss.processing {
		if d := ss.clock.Since(ss.cycleStartedAt); d > stuckCycleFactor*ss.config.CheckInterval {
			issues = append(issues, fmt.Sprintf("scan cycle in progress for %s", d.Round(time.Second)))
		}
	}
	if ss.stats.Checked > 0 {
		rate := float64(ss.stats.Errors) / float64(ss.stats.Checked)
		if rate > healthyErrorRate {
			issues = append(issues, fmt.Sprintf("error rate %.0f%% exceeds %.0f%%", rate*100, healthyErrorRate*100))
		}
	}
	return ScannerHealth{Healthy: len(issues) == 0, Issues: issues}
}
