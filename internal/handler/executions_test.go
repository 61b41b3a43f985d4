package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haatos/runsync/internal/service"
	"github.com/haatos/runsync/internal/store"
	"github.com/haatos/runsync/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func generateRun(id int64, status store.RunStatus) *store.ExecutionRun {
	return &store.ExecutionRun{
		RunID:      id,
		JobName:    "api-tests",
		Status:     status,
		TotalCases: 3,
		CreatedOn:  time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func newJSONContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withRunID(c echo.Context, id string) echo.Context {
	c.SetParamNames("run_id")
	c.SetParamValues(id)
	return c
}

func requireHTTPError(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected *echo.HTTPError, got %v", err)
	assert.Equal(t, code, he.Code)
	return he
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	res := Response{Data: data}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func newTestExecutionHandler() (*ExecutionHandler, *testutil.MockExecutionService, *testutil.MockSyncCoordinator) {
	executions := new(testutil.MockExecutionService)
	coordinator := new(testutil.MockSyncCoordinator)
	return NewExecutionHandler(executions, coordinator, 10*time.Minute), executions, coordinator
}

func TestExecutionHandler_PostExecution(t *testing.T) {
	t.Run("success - run created and monitored", func(t *testing.T) {
		// arrange
		h, executions, coordinator := newTestExecutionHandler()
		run := generateRun(7, store.StatusPending)
		executions.On("CreateExecution", mock.Anything, "api-tests", int64(3)).Return(run, nil)
		coordinator.On("StartMonitoring", int64(7)).Return(true)
		c, rec := newJSONContext(http.MethodPost, "/api/executions", `{"jobName":"api-tests","totalCases":3}`)

		// act
		err := h.PostExecution(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusCreated, rec.Code)
		created := new(store.ExecutionRun)
		res := decodeResponse(t, rec, created)
		assert.True(t, res.Success)
		assert.Equal(t, int64(7), created.RunID)
		executions.AssertNotCalled(t, "AttachJenkinsBuild", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		coordinator.AssertExpectations(t)
	})
	t.Run("success - jenkins build attached on create", func(t *testing.T) {
		// arrange
		h, executions, coordinator := newTestExecutionHandler()
		run := generateRun(8, store.StatusPending)
		job, build := "api-tests", "42"
		attached := generateRun(8, store.StatusPending)
		attached.JenkinsJob, attached.JenkinsBuildID = &job, &build
		executions.On("CreateExecution", mock.Anything, "api-tests", int64(3)).Return(run, nil)
		executions.On("AttachJenkinsBuild", mock.Anything, int64(8), "api-tests", "42", "http://ci/job/api-tests/42/").
			Return(nil)
		executions.On("GetExecution", mock.Anything, int64(8)).Return(attached, nil)
		coordinator.On("StartMonitoring", int64(8)).Return(true)
		c, rec := newJSONContext(http.MethodPost, "/api/executions",
			`{"jobName":"api-tests","totalCases":3,"jenkinsJob":"api-tests","jenkinsBuildId":"42","jenkinsUrl":"http://ci/job/api-tests/42/"}`)

		// act
		err := h.PostExecution(c)

		// assert
		assert.NoError(t, err)
		created := new(store.ExecutionRun)
		decodeResponse(t, rec, created)
		require.NotNil(t, created.JenkinsBuildID)
		assert.Equal(t, "42", *created.JenkinsBuildID)
		executions.AssertExpectations(t)
	})
	t.Run("failure - job name missing", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		c, _ := newJSONContext(http.MethodPost, "/api/executions", `{"totalCases":3}`)

		// act
		err := h.PostExecution(c)

		// assert
		requireHTTPError(t, err, http.StatusBadRequest)
		executions.AssertNotCalled(t, "CreateExecution", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestExecutionHandler_GetExecution(t *testing.T) {
	t.Run("success - run returned", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		executions.On("GetExecution", mock.Anything, int64(7)).Return(generateRun(7, store.StatusRunning), nil)
		c, rec := newJSONContext(http.MethodGet, "/api/executions/7", "")
		withRunID(c, "7")

		// act
		err := h.GetExecution(c)

		// assert
		assert.NoError(t, err)
		run := new(store.ExecutionRun)
		decodeResponse(t, rec, run)
		assert.Equal(t, store.StatusRunning, run.Status)
	})
	t.Run("failure - run not found", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		executions.On("GetExecution", mock.Anything, int64(9)).Return(nil, service.ErrRunNotFound)
		c, _ := newJSONContext(http.MethodGet, "/api/executions/9", "")
		withRunID(c, "9")

		// act
		err := h.GetExecution(c)

		// assert
		requireHTTPError(t, err, http.StatusNotFound)
	})
	t.Run("failure - run id is not a number", func(t *testing.T) {
		// arrange
		h, _, _ := newTestExecutionHandler()
		c, _ := newJSONContext(http.MethodGet, "/api/executions/abc", "")
		withRunID(c, "abc")

		// act
		err := h.GetExecution(c)

		// assert
		requireHTTPError(t, err, http.StatusBadRequest)
	})
}

func TestExecutionHandler_PutJenkinsInfo(t *testing.T) {
	t.Run("success - build attached and monitoring started", func(t *testing.T) {
		// arrange
		h, executions, coordinator := newTestExecutionHandler()
		executions.On("AttachJenkinsBuild", mock.Anything, int64(7), "team/api-tests", "17", "").Return(nil)
		coordinator.On("StartMonitoring", int64(7)).Return(false)
		c, rec := newJSONContext(http.MethodPut, "/api/executions/7/jenkins",
			`{"jenkinsJob":"team/api-tests","jenkinsBuildId":"17"}`)
		withRunID(c, "7")

		// act
		err := h.PutJenkinsInfo(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		executions.AssertExpectations(t)
		coordinator.AssertExpectations(t)
	})
	t.Run("failure - build id missing", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		c, _ := newJSONContext(http.MethodPut, "/api/executions/7/jenkins", `{"jenkinsJob":"api-tests"}`)
		withRunID(c, "7")

		// act
		err := h.PutJenkinsInfo(c)

		// assert
		requireHTTPError(t, err, http.StatusBadRequest)
		coordinator.AssertNotCalled(t, "StartMonitoring", mock.Anything)
	})
}

func TestExecutionHandler_PostStart(t *testing.T) {
	t.Run("success - pending run marked running", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		executions.On("GetExecution", mock.Anything, int64(7)).Return(generateRun(7, store.StatusPending), nil)
		executions.On("MarkRunning", mock.Anything, int64(7), service.SourceCallback).Return(true, nil)
		c, rec := newJSONContext(http.MethodPost, "/api/executions/7/start", "")
		withRunID(c, "7")

		// act
		err := h.PostStart(c)

		// assert
		assert.NoError(t, err)
		data := map[string]bool{}
		res := decodeResponse(t, rec, &data)
		assert.True(t, data["applied"])
		assert.Equal(t, "execution marked running", res.Message)
	})
}

func TestExecutionHandler_PostCallback(t *testing.T) {
	t.Run("success - callback forwarded to the coordinator", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("HandleCallback", mock.Anything, mock.MatchedBy(func(d service.CallbackData) bool {
			return d.RunID == 7 && d.Status == store.StatusFailed && len(d.Results) == 1
		})).Return(nil)
		c, rec := newJSONContext(http.MethodPost, "/api/executions/callback",
			`{"runId":7,"status":"failed","passedCases":0,"failedCases":1,"durationMs":900,`+
				`"results":[{"caseId":3,"caseName":"login","status":"failed","duration":900}]}`)

		// act
		err := h.PostCallback(c)

		// assert
		assert.NoError(t, err)
		res := decodeResponse(t, rec, nil)
		assert.True(t, res.Success)
		coordinator.AssertExpectations(t)
	})
	t.Run("failure - invalid callback is a bad request", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("HandleCallback", mock.Anything, mock.Anything).
			Return(service.InvalidCallbackError{Message: "runId must be a positive integer"})
		c, _ := newJSONContext(http.MethodPost, "/api/executions/callback", `{"runId":0,"status":"success"}`)

		// act
		err := h.PostCallback(c)

		// assert
		he := requireHTTPError(t, err, http.StatusBadRequest)
		assert.Equal(t, "runId must be a positive integer", he.Message)
	})
	t.Run("failure - malformed json", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		c, _ := newJSONContext(http.MethodPost, "/api/executions/callback", `{"runId":`)

		// act
		err := h.PostCallback(c)

		// assert
		requireHTTPError(t, err, http.StatusBadRequest)
		coordinator.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything)
	})
	t.Run("failure - callback for a missing run is not found", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("HandleCallback", mock.Anything, mock.Anything).Return(service.ErrRunNotFound)
		c, _ := newJSONContext(http.MethodPost, "/api/executions/callback", `{"runId":999,"status":"success"}`)

		// act
		err := h.PostCallback(c)

		// assert
		requireHTTPError(t, err, http.StatusNotFound)
	})
	t.Run("failure - persistence error is an internal error", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("HandleCallback", mock.Anything, mock.Anything).Return(errors.New("database is locked"))
		c, _ := newJSONContext(http.MethodPost, "/api/executions/callback", `{"runId":7,"status":"success"}`)

		// act
		err := h.PostCallback(c)

		// assert
		requireHTTPError(t, err, http.StatusInternalServerError)
	})
}

func TestExecutionHandler_PostSync(t *testing.T) {
	t.Run("success - manual sync result returned", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("ManualSync", mock.Anything, int64(7)).Return(service.SyncResult{
			RunID:    7,
			Updated:  true,
			Terminal: true,
			Status:   store.StatusSuccess,
			Message:  "status synced from jenkins",
		}, nil)
		c, rec := newJSONContext(http.MethodPost, "/api/executions/7/sync", "")
		withRunID(c, "7")

		// act
		err := h.PostSync(c)

		// assert
		assert.NoError(t, err)
		result := new(service.SyncResult)
		res := decodeResponse(t, rec, result)
		assert.Equal(t, "status synced from jenkins", res.Message)
		assert.True(t, result.Terminal)
	})
	t.Run("failure - run has no jenkins build", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("ManualSync", mock.Anything, int64(7)).
			Return(service.SyncResult{}, &service.SyncError{RunID: 7, Err: service.ErrNoExternalReference})
		c, _ := newJSONContext(http.MethodPost, "/api/executions/7/sync", "")
		withRunID(c, "7")

		// act
		err := h.PostSync(c)

		// assert
		requireHTTPError(t, err, http.StatusConflict)
	})
}

func TestExecutionHandler_GetSyncStatus(t *testing.T) {
	t.Run("success - status returned", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("GetSyncStatus", int64(7)).Return(service.SyncStatus{
			RunID:    7,
			State:    service.SyncStatePolling,
			Method:   service.SyncMethodPolling,
			Attempts: 3,
		}, true)
		c, rec := newJSONContext(http.MethodGet, "/api/executions/7/sync-status", "")
		withRunID(c, "7")

		// act
		err := h.GetSyncStatus(c)

		// assert
		assert.NoError(t, err)
		status := new(service.SyncStatus)
		decodeResponse(t, rec, status)
		assert.Equal(t, service.SyncStatePolling, status.State)
		assert.Equal(t, 3, status.Attempts)
	})
	t.Run("failure - run is not monitored", func(t *testing.T) {
		// arrange
		h, _, coordinator := newTestExecutionHandler()
		coordinator.On("GetSyncStatus", int64(7)).Return(service.SyncStatus{}, false)
		c, _ := newJSONContext(http.MethodGet, "/api/executions/7/sync-status", "")
		withRunID(c, "7")

		// act
		err := h.GetSyncStatus(c)

		// assert
		requireHTTPError(t, err, http.StatusNotFound)
	})
}

func TestExecutionHandler_GetStuckExecutions(t *testing.T) {
	t.Run("success - default timeout and limit", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		stuck := []service.StuckExecution{{
			ExecutionRun:   *generateRun(7, store.StatusRunning),
			ElapsedMs:      400_000,
			Classification: service.StuckClassStuck,
		}}
		executions.On("ListStuckExecutions", mock.Anything, 5*time.Minute, int64(50)).Return(stuck, nil)
		c, rec := newJSONContext(http.MethodGet, "/api/executions/stuck", "")

		// act
		err := h.GetStuckExecutions(c)

		// assert
		assert.NoError(t, err)
		data := new(stuckResponse)
		decodeResponse(t, rec, data)
		assert.Equal(t, int64(5), data.TimeoutMinutes)
		assert.Equal(t, 1, data.Count)
		assert.Equal(t, service.StuckClassStuck, data.Executions[0].Classification)
	})
	t.Run("success - timeout in minutes and clamped limit", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		executions.On("ListStuckExecutions", mock.Anything, 15*time.Minute, int64(500)).
			Return([]service.StuckExecution{}, nil)
		c, _ := newJSONContext(http.MethodGet, "/api/executions/stuck?timeout=15&limit=10000", "")

		// act
		err := h.GetStuckExecutions(c)

		// assert
		assert.NoError(t, err)
		executions.AssertExpectations(t)
	})
	t.Run("failure - timeout is not a number", func(t *testing.T) {
		// arrange
		h, _, _ := newTestExecutionHandler()
		c, _ := newJSONContext(http.MethodGet, "/api/executions/stuck?timeout=soon", "")

		// act
		err := h.GetStuckExecutions(c)

		// assert
		requireHTTPError(t, err, http.StatusBadRequest)
	})
}

func TestExecutionHandler_PostSyncStuck(t *testing.T) {
	t.Run("success - execution timeout used by default", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		report := service.TimeoutReport{Checked: 2, Synced: 1, TimedOut: 1, RunIDs: []int64{4}}
		executions.On("CheckAndHandleTimeouts", mock.Anything, 10*time.Minute, int64(50)).Return(report, nil)
		c, rec := newJSONContext(http.MethodPost, "/api/executions/sync-stuck", "")

		// act
		err := h.PostSyncStuck(c)

		// assert
		assert.NoError(t, err)
		got := new(service.TimeoutReport)
		decodeResponse(t, rec, got)
		assert.Equal(t, report, *got)
	})
	t.Run("success - caller supplied timeout", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		executions.On("CheckAndHandleTimeouts", mock.Anything, 30*time.Minute, int64(5)).
			Return(service.TimeoutReport{RunIDs: []int64{}}, nil)
		c, _ := newJSONContext(http.MethodPost, "/api/executions/sync-stuck", `{"timeoutMinutes":30,"limit":5}`)

		// act
		err := h.PostSyncStuck(c)

		// assert
		assert.NoError(t, err)
		executions.AssertExpectations(t)
	})
	t.Run("failure - store error", func(t *testing.T) {
		// arrange
		h, executions, _ := newTestExecutionHandler()
		executions.On("CheckAndHandleTimeouts", mock.Anything, mock.Anything, mock.Anything).
			Return(service.TimeoutReport{}, context.DeadlineExceeded)
		c, _ := newJSONContext(http.MethodPost, "/api/executions/sync-stuck", "")

		// act
		err := h.PostSyncStuck(c)

		// assert
		requireHTTPError(t, err, http.StatusInternalServerError)
	})
}

func TestExecutionHandler_GetSyncStatuses(t *testing.T) {
	// arrange
	h, _, coordinator := newTestExecutionHandler()
	coordinator.On("ListSyncStatuses").Return([]service.SyncStatus{
		{RunID: 1, State: service.SyncStateWaitingCallback},
		{RunID: 2, State: service.SyncStateCompleted},
	})
	coordinator.On("Stats").Return(service.MonitoringStats{Total: 2, WaitingCallback: 1, Completed: 1})
	c, rec := newJSONContext(http.MethodGet, "/api/sync/statuses", "")

	// act
	err := h.GetSyncStatuses(c)

	// assert
	assert.NoError(t, err)
	data := new(syncStatusesResponse)
	decodeResponse(t, rec, data)
	assert.Len(t, data.Statuses, 2)
	assert.Equal(t, 1, data.Stats.Completed)
}
