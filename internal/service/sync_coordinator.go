package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/haatos/runsync/internal"
	"github.com/haatos/runsync/internal/jenkins"
	"github.com/haatos/runsync/internal/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ExecutionSyncer is the part of the execution service the coordinator and
// the scanner reconcile runs through.
type ExecutionSyncer interface {
	SyncExecutionStatus(ctx context.Context, id int64, source UpdateSource) (SyncResult, error)
	CompleteExecution(
		ctx context.Context,
		id int64,
		completion store.Completion,
		source UpdateSource,
		force bool,
	) (bool, error)
	VerifyConsistency(ctx context.Context, limit int64) ([]ConsistencyMismatch, error)
	CheckAndHandleTimeouts(ctx context.Context, timeout time.Duration, limit int64) (TimeoutReport, error)
}

type SyncCoordinatorer interface {
	StartMonitoring(runID int64) bool
	StopMonitoring(runID int64)
	HandleCallback(ctx context.Context, data CallbackData) error
	ManualSync(ctx context.Context, runID int64) (SyncResult, error)
	GetSyncStatus(runID int64) (SyncStatus, bool)
	ListSyncStatuses() []SyncStatus
	Stats() MonitoringStats
}

type CallbackResult struct {
	CaseID           int64           `json:"caseId"`
	CaseName         string          `json:"caseName"`
	Status           string          `json:"status"`
	Duration         int64           `json:"duration"`
	ErrorMessage     *string         `json:"errorMessage"`
	StackTrace       *string         `json:"stackTrace"`
	ScreenshotPath   *string         `json:"screenshotPath"`
	LogPath          *string         `json:"logPath"`
	AssertionsTotal  *int64          `json:"assertionsTotal"`
	AssertionsPassed *int64          `json:"assertionsPassed"`
	ResponseData     json.RawMessage `json:"responseData"`
}

// CallbackData is the payload a finished CI job posts back.
type CallbackData struct {
	RunID        int64            `json:"runId"`
	Status       store.RunStatus  `json:"status"`
	PassedCases  int64            `json:"passedCases"`
	FailedCases  int64            `json:"failedCases"`
	SkippedCases int64            `json:"skippedCases"`
	DurationMs   int64            `json:"durationMs"`
	Results      []CallbackResult `json:"results"`
}

func (cd CallbackData) Validate() error {
	if cd.RunID <= 0 {
		return InvalidCallbackError{Message: "runId must be a positive integer"}
	}
	if !cd.Status.IsTerminal() {
		return InvalidCallbackError{
			Message: fmt.Sprintf("status %q is not one of success, failed, aborted, cancelled", cd.Status),
		}
	}
	if cd.PassedCases < 0 || cd.FailedCases < 0 || cd.SkippedCases < 0 || cd.DurationMs < 0 {
		return InvalidCallbackError{Message: "case counts and duration must not be negative"}
	}
	for i, r := range cd.Results {
		if r.CaseName == "" && r.CaseID == 0 {
			return InvalidCallbackError{Message: fmt.Sprintf("result %d has neither caseId nor caseName", i)}
		}
	}
	return nil
}

func (cd CallbackData) Completion(endedOn time.Time) store.Completion {
	results := make([]store.RunResult, 0, len(cd.Results))
	for _, r := range cd.Results {
		rr := store.RunResult{
			CaseID:           r.CaseID,
			CaseName:         r.CaseName,
			Status:           jenkins.MapCaseStatus(r.Status),
			DurationMs:       r.Duration,
			ErrorMessage:     r.ErrorMessage,
			StackTrace:       r.StackTrace,
			ScreenshotPath:   r.ScreenshotPath,
			LogPath:          r.LogPath,
			AssertionsTotal:  r.AssertionsTotal,
			AssertionsPassed: r.AssertionsPassed,
		}
		if rr.CaseID == 0 {
			rr.CaseID = jenkins.ExtractCaseID(r.CaseName)
		}
		if len(r.ResponseData) > 0 && string(r.ResponseData) != "null" {
			data := string(r.ResponseData)
			rr.ResponseData = &data
		}
		results = append(results, rr)
	}
	return store.Completion{
		Status:       cd.Status,
		PassedCases:  cd.PassedCases,
		FailedCases:  cd.FailedCases,
		SkippedCases: cd.SkippedCases,
		DurationMs:   cd.DurationMs,
		EndedOn:      endedOn,
		Results:      results,
	}
}

type SweepReport struct {
	Evicted    int                   `json:"evicted"`
	Mismatches []ConsistencyMismatch `json:"mismatches"`
	Resynced   int                   `json:"resynced"`
	Timeouts   TimeoutReport         `json:"timeouts"`
}

// SyncCoordinator tracks runs from trigger to terminal state, preferring the
// CI callback and falling back to adaptive polling when it does not arrive.
type SyncCoordinator struct {
	executions ExecutionSyncer
	registry   *SyncRegistry
	config     internal.SyncConfiguration
	clock      clockwork.Clock
	logger     *zap.SugaredLogger
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewSyncCoordinator(
	executions ExecutionSyncer,
	registry *SyncRegistry,
	config internal.SyncConfiguration,
	clock clockwork.Clock,
	logger *zap.SugaredLogger,
) *SyncCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncCoordinator{
		executions: executions,
		registry:   registry,
		config:     config,
		clock:      clock,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// StartMonitoring waits for the run's callback and arms the timer that
// switches to polling. It reports false when the run is already monitored.
func (c *SyncCoordinator) StartMonitoring(runID int64) bool {
	task := c.registry.Begin(runID)
	if task == nil {
		return false
	}
	c.registry.Schedule(runID, task, c.config.CallbackTimeout, func() {
		c.onCallbackTimeout(runID, task)
	})
	c.logger.Infow("monitoring execution",
		"run_id", runID,
		"callback_timeout", c.config.CallbackTimeout,
	)
	return true
}

// StopMonitoring cancels the run's timers. Its status is kept until evicted.
func (c *SyncCoordinator) StopMonitoring(runID int64) {
	c.registry.Stop(runID)
}

// HandleCallback persists the results pushed by the CI job. Callbacks for
// runs that are not being monitored are accepted too.
func (c *SyncCoordinator) HandleCallback(ctx context.Context, data CallbackData) error {
	if err := data.Validate(); err != nil {
		return err
	}
	applied, err := c.executions.CompleteExecution(
		ctx, data.RunID, data.Completion(c.clock.Now()), SourceCallback, false,
	)
	if err != nil {
		c.registry.Finish(data.RunID, SyncStateFailed, SyncMethodCallback, err.Error())
		return err
	}
	msg := fmt.Sprintf("callback received with status %s", data.Status)
	if !applied {
		msg = "callback received for an already completed run"
	}
	c.registry.Finish(data.RunID, SyncStateCompleted, SyncMethodCallback, msg)
	c.logger.Infow("callback handled",
		"run_id", data.RunID,
		"status", data.Status,
		"applied", applied,
		"results", len(data.Results),
	)
	return nil
}

func (c *SyncCoordinator) onCallbackTimeout(runID int64, task *monitorTask) {
	if !c.registry.Transition(runID, task, SyncStateWaitingCallback, SyncStatePolling, SyncMethodPolling) {
		return
	}
	c.logger.Infow("callback timed out, polling jenkins",
		"run_id", runID,
		"callback_timeout", c.config.CallbackTimeout,
	)
	c.poll(runID, task)
}

// poll performs one polling attempt and schedules the next one.
func (c *SyncCoordinator) poll(runID int64, task *monitorTask) {
	var attempt int
	var exhausted bool
	ok := c.registry.Apply(runID, task, func(s *SyncStatus) bool {
		if s.State != SyncStatePolling {
			return false
		}
		if s.Attempts >= c.config.MaxPollAttempts {
			exhausted = true
			return true
		}
		s.Attempts++
		attempt = s.Attempts
		return true
	})
	if !ok {
		return
	}
	if exhausted {
		c.handlePollingTimeout(runID, task)
		return
	}

	res, err := c.executions.SyncExecutionStatus(c.ctx, runID, SourcePolling)
	if !c.registry.Active(runID, task) {
		return
	}
	switch {
	case err != nil:
		RecordPoll("error")
		c.logger.Warnw("status poll failed",
			"run_id", runID,
			"attempt", attempt,
			"error", err,
		)
	case res.Terminal:
		RecordPoll("terminal")
		c.registry.Finish(runID, SyncStateCompleted, SyncMethodPolling, res.Message)
		c.logger.Infow("execution completed by polling",
			"run_id", runID,
			"attempt", attempt,
			"status", res.Status,
		)
		return
	default:
		RecordPoll("pending")
	}

	next := c.config.PollInterval(attempt)
	c.registry.Apply(runID, task, func(s *SyncStatus) bool {
		s.Message = fmt.Sprintf("poll %d/%d, next in %s", attempt, c.config.MaxPollAttempts, next)
		return true
	})
	c.registry.Schedule(runID, task, next, func() {
		c.poll(runID, task)
	})
}

// handlePollingTimeout aborts a run whose polling budget ran out.
func (c *SyncCoordinator) handlePollingTimeout(runID int64, task *monitorTask) {
	if !c.registry.Active(runID, task) {
		return
	}
	duration := c.config.CallbackTimeout + c.config.TotalPollingDuration(c.config.MaxPollAttempts)
	msg := fmt.Sprintf("status polling timed out after %d attempts", c.config.MaxPollAttempts)
	_, err := c.executions.CompleteExecution(c.ctx, runID, store.Completion{
		Status:     store.StatusAborted,
		DurationMs: duration.Milliseconds(),
		Message:    &msg,
		EndedOn:    c.clock.Now(),
	}, SourcePolling, false)
	if err != nil {
		c.registry.Finish(runID, SyncStateFailed, SyncMethodTimeout, err.Error())
		return
	}
	c.registry.Finish(runID, SyncStateTimeout, SyncMethodTimeout, msg)
	c.logger.Warnw("execution polling timed out",
		"run_id", runID,
		"attempts", c.config.MaxPollAttempts,
		"duration", duration,
	)
}

// ManualSync reconciles a run once, out of band. A terminal result stops its
// monitoring.
func (c *SyncCoordinator) ManualSync(ctx context.Context, runID int64) (SyncResult, error) {
	res, err := c.executions.SyncExecutionStatus(ctx, runID, SourcePolling)
	if err != nil {
		return res, err
	}
	if res.Terminal {
		c.registry.Finish(runID, SyncStateCompleted, SyncMethodManual, res.Message)
	}
	return res, nil
}

func (c *SyncCoordinator) GetSyncStatus(runID int64) (SyncStatus, bool) {
	return c.registry.Get(runID)
}

func (c *SyncCoordinator) ListSyncStatuses() []SyncStatus {
	return c.registry.List()
}

func (c *SyncCoordinator) Stats() MonitoringStats {
	return c.registry.Stats()
}

// RunConsistencySweep resyncs runs whose persisted status drifted from
// Jenkins and aborts runs that exceeded the execution timeout.
func (c *SyncCoordinator) RunConsistencySweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Evicted: c.registry.Evict()}
	mismatches, err := c.executions.VerifyConsistency(ctx, int64(c.config.ConsistencyCheckLimit))
	if err != nil {
		return report, err
	}
	report.Mismatches = mismatches
	for _, m := range mismatches {
		c.logger.Infow("status mismatch, syncing",
			"run_id", m.RunID,
			"persisted", m.Persisted,
			"external", m.External,
		)
		if _, err := c.ManualSync(ctx, m.RunID); err != nil {
			c.logger.Warnw("consistency sync failed",
				"run_id", m.RunID,
				"error", err,
			)
			continue
		}
		report.Resynced++
	}

	timeouts, err := c.executions.CheckAndHandleTimeouts(
		ctx, c.config.ExecutionTimeout, int64(c.config.ConsistencyCheckLimit),
	)
	if err != nil {
		return report, err
	}
	report.Timeouts = timeouts
	for _, runID := range timeouts.RunIDs {
		c.registry.Finish(runID, SyncStateTimeout, SyncMethodTimeout, "execution timeout exceeded")
	}
	return report, nil
}

// Schedule registers the consistency sweep with the scheduler.
func (c *SyncCoordinator) Schedule(s gocron.Scheduler) error {
	_, err := s.NewJob(
		gocron.DurationJob(c.config.ConsistencyCheckInterval),
		gocron.NewTask(func() {
			report, err := c.RunConsistencySweep(c.ctx)
			if err != nil {
				c.logger.Errorw("consistency sweep failed", "error", err)
				return
			}
			c.logger.Debugw("consistency sweep finished",
				"evicted", report.Evicted,
				"mismatches", len(report.Mismatches),
				"resynced", report.Resynced,
				"timed_out", report.Timeouts.TimedOut,
			)
		}),
		gocron.WithName("consistency-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// Shutdown cancels every pending timer and in-flight timer-driven call.
func (c *SyncCoordinator) Shutdown() {
	c.registry.StopAll()
	c.cancel()
}
