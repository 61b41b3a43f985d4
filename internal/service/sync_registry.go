package service

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type SyncState string

const (
	SyncStateWaitingCallback SyncState = "waiting_callback"
	SyncStatePolling         SyncState = "polling"
	SyncStateCompleted       SyncState = "completed"
	SyncStateTimeout         SyncState = "timeout"
	SyncStateFailed          SyncState = "failed"
)

// IsFinal reports whether monitoring of the run has ended.
func (s SyncState) IsFinal() bool {
	switch s {
	case SyncStateCompleted, SyncStateTimeout, SyncStateFailed:
		return true
	}
	return false
}

type SyncMethod string

const (
	SyncMethodCallback SyncMethod = "callback"
	SyncMethodPolling  SyncMethod = "polling"
	SyncMethodTimeout  SyncMethod = "timeout"
	SyncMethodManual   SyncMethod = "manual"
)

type SyncStatus struct {
	RunID      int64      `json:"runId"`
	State      SyncState  `json:"state"`
	Method     SyncMethod `json:"method,omitempty"`
	Attempts   int        `json:"attempts"`
	Message    string     `json:"message,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	LastUpdate time.Time  `json:"lastUpdate"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	StoppedAt  *time.Time `json:"stoppedAt,omitempty"`
}

// retiredAt is when the entry stopped being monitored, or nil while it
// still is.
func (s *SyncStatus) retiredAt() *time.Time {
	switch {
	case s.FinishedAt == nil:
		return s.StoppedAt
	case s.StoppedAt == nil || s.FinishedAt.After(*s.StoppedAt):
		return s.FinishedAt
	}
	return s.StoppedAt
}

type MonitoringStats struct {
	Total           int `json:"total"`
	WaitingCallback int `json:"waitingCallback"`
	Polling         int `json:"polling"`
	Completed       int `json:"completed"`
	Timeout         int `json:"timeout"`
	Failed          int `json:"failed"`
	Stopped         int `json:"stopped"`
}

// monitorTask is the handle of one monitoring lifetime of a run. Timer
// callbacks hold on to the task they were armed for and do nothing once it
// has been stopped or replaced.
type monitorTask struct {
	timer   clockwork.Timer
	stopped bool
}

// SyncRegistry holds the sync status and the pending timer of every
// monitored run. Final and stopped entries are evicted lazily once they are
// older than the retention.
type SyncRegistry struct {
	m         sync.Mutex
	clock     clockwork.Clock
	retention time.Duration
	statuses  map[int64]*SyncStatus
	tasks     map[int64]*monitorTask
}

func NewSyncRegistry(clock clockwork.Clock, retention time.Duration) *SyncRegistry {
	return &SyncRegistry{
		clock:     clock,
		retention: retention,
		statuses:  make(map[int64]*SyncStatus),
		tasks:     make(map[int64]*monitorTask),
	}
}

// Begin registers a run as waiting for its callback. It returns nil when the
// run is already being monitored.
func (r *SyncRegistry) Begin(runID int64) *monitorTask {
	r.m.Lock()
	defer r.m.Unlock()
	if s, ok := r.statuses[runID]; ok && !s.State.IsFinal() {
		if t := r.tasks[runID]; t != nil && !t.stopped {
			return nil
		}
	}
	now := r.clock.Now()
	r.statuses[runID] = &SyncStatus{
		RunID:      runID,
		State:      SyncStateWaitingCallback,
		StartedAt:  now,
		LastUpdate: now,
	}
	t := &monitorTask{}
	r.tasks[runID] = t
	RecordSyncTransition(SyncStateWaitingCallback)
	RecordTrackedRuns(len(r.statuses))
	return t
}

// Schedule arms the task's timer. It reports false, arming nothing, when the
// task is no longer the run's active task.
func (r *SyncRegistry) Schedule(runID int64, t *monitorTask, d time.Duration, f func()) bool {
	r.m.Lock()
	defer r.m.Unlock()
	if !r.activeLocked(runID, t) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = r.clock.AfterFunc(d, f)
	return true
}

func (r *SyncRegistry) Active(runID int64, t *monitorTask) bool {
	r.m.Lock()
	defer r.m.Unlock()
	return r.activeLocked(runID, t)
}

func (r *SyncRegistry) activeLocked(runID int64, t *monitorTask) bool {
	return t != nil && !t.stopped && r.tasks[runID] == t
}

// Apply runs fn against the run's status while the task is still active.
// fn reports whether it changed the status.
func (r *SyncRegistry) Apply(runID int64, t *monitorTask, fn func(s *SyncStatus) bool) bool {
	r.m.Lock()
	defer r.m.Unlock()
	if !r.activeLocked(runID, t) {
		return false
	}
	s, ok := r.statuses[runID]
	if !ok || !fn(s) {
		return false
	}
	s.LastUpdate = r.clock.Now()
	return true
}

// Transition moves an active task from one state to another.
func (r *SyncRegistry) Transition(
	runID int64,
	t *monitorTask,
	from, to SyncState,
	method SyncMethod,
) bool {
	ok := r.Apply(runID, t, func(s *SyncStatus) bool {
		if s.State != from {
			return false
		}
		s.State = to
		s.Method = method
		return true
	})
	if ok {
		RecordSyncTransition(to)
	}
	return ok
}

// Finish moves a monitored run into a final state and cancels its pending
// timer. A run that is untracked or already final is left as it is.
func (r *SyncRegistry) Finish(runID int64, state SyncState, method SyncMethod, message string) bool {
	r.m.Lock()
	defer r.m.Unlock()
	s, ok := r.statuses[runID]
	if !ok || s.State.IsFinal() {
		return false
	}
	now := r.clock.Now()
	s.State = state
	s.Method = method
	s.Message = message
	s.LastUpdate = now
	s.FinishedAt = &now
	r.stopLocked(runID)
	RecordSyncTransition(state)
	return true
}

// Stop cancels the run's pending timer and starts the retention window of
// its status. The state itself is left as it was.
func (r *SyncRegistry) Stop(runID int64) {
	r.m.Lock()
	defer r.m.Unlock()
	r.stopLocked(runID)
	if s, ok := r.statuses[runID]; ok && !s.State.IsFinal() && s.StoppedAt == nil {
		now := r.clock.Now()
		s.StoppedAt = &now
		s.LastUpdate = now
	}
}

func (r *SyncRegistry) stopLocked(runID int64) {
	t, ok := r.tasks[runID]
	if !ok {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(r.tasks, runID)
}

// StopAll cancels every pending timer.
func (r *SyncRegistry) StopAll() {
	r.m.Lock()
	defer r.m.Unlock()
	for runID := range r.tasks {
		r.stopLocked(runID)
	}
}

func (r *SyncRegistry) Get(runID int64) (SyncStatus, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	r.evictLocked()
	s, ok := r.statuses[runID]
	if !ok {
		return SyncStatus{}, false
	}
	return *s, true
}

// List returns the tracked statuses ordered by run id.
func (r *SyncRegistry) List() []SyncStatus {
	r.m.Lock()
	defer r.m.Unlock()
	r.evictLocked()
	statuses := make([]SyncStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		statuses = append(statuses, *s)
	}
	slices.SortFunc(statuses, func(a, b SyncStatus) int {
		return cmp.Compare(a.RunID, b.RunID)
	})
	return statuses
}

func (r *SyncRegistry) Stats() MonitoringStats {
	r.m.Lock()
	defer r.m.Unlock()
	r.evictLocked()
	stats := MonitoringStats{Total: len(r.statuses)}
	for _, s := range r.statuses {
		if s.StoppedAt != nil && !s.State.IsFinal() {
			stats.Stopped++
			continue
		}
		switch s.State {
		case SyncStateWaitingCallback:
			stats.WaitingCallback++
		case SyncStatePolling:
			stats.Polling++
		case SyncStateCompleted:
			stats.Completed++
		case SyncStateTimeout:
			stats.Timeout++
		case SyncStateFailed:
			stats.Failed++
		}
	}
	return stats
}

// Evict drops final and stopped entries older than the retention and
// returns how many were removed.
func (r *SyncRegistry) Evict() int {
	r.m.Lock()
	defer r.m.Unlock()
	return r.evictLocked()
}

func (r *SyncRegistry) evictLocked() int {
	now := r.clock.Now()
	n := 0
	for runID, s := range r.statuses {
		if at := s.retiredAt(); at != nil && now.Sub(*at) > r.retention {
			delete(r.statuses, runID)
			n++
		}
	}
	if n > 0 {
		RecordTrackedRuns(len(r.statuses))
	}
	return n
}
