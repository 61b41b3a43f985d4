package store

import (
	"time"
)

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed without force.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusAborted, StatusCancelled:
		return true
	}
	return false
}

func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusAborted, StatusCancelled:
		return true
	}
	return false
}

type ExecutionRun struct {
	RunID          int64      `json:"runId"          param:"run_id"`
	JobName        string     `json:"jobName"`
	Status         RunStatus  `json:"status"`
	TotalCases     int64      `json:"totalCases"`
	PassedCases    int64      `json:"passedCases"`
	FailedCases    int64      `json:"failedCases"`
	SkippedCases   int64      `json:"skippedCases"`
	JenkinsJob     *string    `json:"jenkinsJob,omitempty"`
	JenkinsBuildID *string    `json:"jenkinsBuildId,omitempty"`
	JenkinsURL     *string    `json:"jenkinsUrl,omitempty"`
	Message        *string    `json:"message,omitempty"`
	CreatedOn      time.Time  `json:"createdOn"`
	StartedOn      *time.Time `json:"startedOn,omitempty"`
	EndedOn        *time.Time `json:"endedOn,omitempty"`
	DurationMs     *int64     `json:"durationMs,omitempty"`
}

func (r *ExecutionRun) HasExternalReference() bool {
	return r.JenkinsJob != nil && *r.JenkinsJob != "" &&
		r.JenkinsBuildID != nil && *r.JenkinsBuildID != ""
}

// Elapsed is measured from the start time, or from creation while the run
// has not been started.
func (r *ExecutionRun) Elapsed(now time.Time) time.Duration {
	if r.StartedOn != nil {
		return now.Sub(*r.StartedOn)
	}
	return now.Sub(r.CreatedOn)
}

type CaseStatus string

const (
	CaseStatusPassed  CaseStatus = "passed"
	CaseStatusFailed  CaseStatus = "failed"
	CaseStatusSkipped CaseStatus = "skipped"
	CaseStatusError   CaseStatus = "error"
)

type RunResult struct {
	RunResultID      int64      `json:"runResultId"`
	ResultRunID      int64      `json:"runId"`
	CaseID           int64      `json:"caseId"`
	CaseName         string     `json:"caseName"`
	Status           CaseStatus `json:"status"`
	DurationMs       int64      `json:"durationMs"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	StackTrace       *string    `json:"stackTrace,omitempty"`
	ScreenshotPath   *string    `json:"screenshotPath,omitempty"`
	LogPath          *string    `json:"logPath,omitempty"`
	AssertionsTotal  *int64     `json:"assertionsTotal,omitempty"`
	AssertionsPassed *int64     `json:"assertionsPassed,omitempty"`
	ResponseData     *string    `json:"responseData,omitempty"`
	CreatedOn        time.Time  `json:"createdOn"`
}

// Completion is the terminal write applied to a run together with its
// per-case results.
type Completion struct {
	Status       RunStatus
	PassedCases  int64
	FailedCases  int64
	SkippedCases int64
	DurationMs   int64
	Message      *string
	EndedOn      time.Time
	Results      []RunResult
}
