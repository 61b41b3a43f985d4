package handler

import (
	"net/http"
	"time"

	"github.com/haatos/runsync/internal/service"
	"github.com/labstack/echo/v4"
)

const (
	defaultStuckTimeout = 5 * time.Minute
	defaultStuckLimit   = 50
	maxStuckLimit       = 500
)

type ExecutionHandler struct {
	executions       service.ExecutionServicer
	coordinator      service.SyncCoordinatorer
	executionTimeout time.Duration
}

func NewExecutionHandler(
	executions service.ExecutionServicer,
	coordinator service.SyncCoordinatorer,
	executionTimeout time.Duration,
) *ExecutionHandler {
	return &ExecutionHandler{
		executions:       executions,
		coordinator:      coordinator,
		executionTimeout: executionTimeout,
	}
}

func SetupExecutionRoutes(g *echo.Group, h *ExecutionHandler, callbackMiddleware ...echo.MiddlewareFunc) {
	g.POST("/executions", h.PostExecution)
	g.POST("/executions/callback", h.PostCallback, callbackMiddleware...)
	g.GET("/executions/stuck", h.GetStuckExecutions)
	g.POST("/executions/sync-stuck", h.PostSyncStuck)
	g.GET("/executions/:run_id", h.GetExecution)
	g.GET("/executions/:run_id/results", h.GetExecutionResults)
	g.PUT("/executions/:run_id/jenkins", h.PutJenkinsInfo)
	g.POST("/executions/:run_id/start", h.PostStart)
	g.POST("/executions/:run_id/sync", h.PostSync)
	g.GET("/executions/:run_id/sync-status", h.GetSyncStatus)
	g.GET("/sync/statuses", h.GetSyncStatuses)
}

func (h *ExecutionHandler) PostExecution(c echo.Context) error {
	params := new(CreateExecutionParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid request body")
	}
	if params.JobName == "" {
		return newError(nil, http.StatusBadRequest, "jobName is required")
	}
	if params.TotalCases < 0 {
		return newError(nil, http.StatusBadRequest, "totalCases must not be negative")
	}

	ctx := c.Request().Context()
	run, err := h.executions.CreateExecution(ctx, params.JobName, params.TotalCases)
	if err != nil {
		return serviceError(err, "unable to create execution")
	}
	if params.JenkinsJob != "" && params.JenkinsBuildID != "" {
		if err := h.executions.AttachJenkinsBuild(
			ctx, run.RunID, params.JenkinsJob, params.JenkinsBuildID, params.JenkinsURL,
		); err != nil {
			return serviceError(err, "unable to attach jenkins build")
		}
		if run, err = h.executions.GetExecution(ctx, run.RunID); err != nil {
			return serviceError(err, "unable to read execution")
		}
	}
	h.coordinator.StartMonitoring(run.RunID)

	return c.JSON(http.StatusCreated, Response{Success: true, Data: run})
}

func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	params := new(ExecutionParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}
	run, err := h.executions.GetExecution(c.Request().Context(), params.RunID)
	if err != nil {
		return serviceError(err, "unable to read execution")
	}
	return c.JSON(http.StatusOK, Response{Success: true, Data: run})
}

func (h *ExecutionHandler) GetExecutionResults(c echo.Context) error {
	params := new(ExecutionParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}
	results, err := h.executions.ListRunResults(c.Request().Context(), params.RunID)
	if err != nil {
		return serviceError(err, "unable to list execution results")
	}
	return c.JSON(http.StatusOK, Response{Success: true, Data: results})
}

// PutJenkinsInfo attaches the triggered build to the run and makes sure the
// run is monitored, since polling needs the build reference.
func (h *ExecutionHandler) PutJenkinsInfo(c echo.Context) error {
	params := new(JenkinsInfoParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid request body")
	}
	if params.JenkinsJob == "" || params.JenkinsBuildID == "" {
		return newError(nil, http.StatusBadRequest, "jenkinsJob and jenkinsBuildId are required")
	}
	if err := h.executions.AttachJenkinsBuild(
		c.Request().Context(), params.RunID, params.JenkinsJob, params.JenkinsBuildID, params.JenkinsURL,
	); err != nil {
		return serviceError(err, "unable to attach jenkins build")
	}
	h.coordinator.StartMonitoring(params.RunID)
	return c.JSON(http.StatusOK, Response{Success: true, Message: "jenkins build attached"})
}

func (h *ExecutionHandler) PostStart(c echo.Context) error {
	params := new(ExecutionParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}
	ctx := c.Request().Context()
	if _, err := h.executions.GetExecution(ctx, params.RunID); err != nil {
		return serviceError(err, "unable to read execution")
	}
	applied, err := h.executions.MarkRunning(ctx, params.RunID, service.SourceCallback)
	if err != nil {
		return serviceError(err, "unable to mark execution running")
	}
	msg := "execution marked running"
	if !applied {
		msg = "execution was not pending"
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: msg, Data: map[string]bool{"applied": applied}})
}

func (h *ExecutionHandler) PostCallback(c echo.Context) error {
	data := new(service.CallbackData)
	if err := c.Bind(data); err != nil {
		return newError(err, http.StatusBadRequest, "invalid callback payload")
	}
	if err := h.coordinator.HandleCallback(c.Request().Context(), *data); err != nil {
		return serviceError(err, "unable to process callback")
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: "callback processed"})
}

func (h *ExecutionHandler) PostSync(c echo.Context) error {
	params := new(ExecutionParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}
	res, err := h.coordinator.ManualSync(c.Request().Context(), params.RunID)
	if err != nil {
		return serviceError(err, "unable to sync execution")
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: res.Message, Data: res})
}

func (h *ExecutionHandler) GetSyncStatus(c echo.Context) error {
	params := new(ExecutionParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid run id")
	}
	status, ok := h.coordinator.GetSyncStatus(params.RunID)
	if !ok {
		return newError(nil, http.StatusNotFound, "execution is not monitored")
	}
	return c.JSON(http.StatusOK, Response{Success: true, Data: status})
}

type syncStatusesResponse struct {
	Statuses []service.SyncStatus    `json:"statuses"`
	Stats    service.MonitoringStats `json:"stats"`
}

func (h *ExecutionHandler) GetSyncStatuses(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: syncStatusesResponse{
		Statuses: h.coordinator.ListSyncStatuses(),
		Stats:    h.coordinator.Stats(),
	}})
}

type stuckResponse struct {
	TimeoutMinutes int64                    `json:"timeoutMinutes"`
	Count          int                      `json:"count"`
	Executions     []service.StuckExecution `json:"executions"`
}

// GetStuckExecutions lists active runs older than ?timeout= minutes.
func (h *ExecutionHandler) GetStuckExecutions(c echo.Context) error {
	params := new(StuckParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid query parameters")
	}
	timeout := defaultStuckTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Minute
	}
	limit := clampLimit(params.Limit)

	stuck, err := h.executions.ListStuckExecutions(c.Request().Context(), timeout, limit)
	if err != nil {
		return serviceError(err, "unable to list stuck executions")
	}
	return c.JSON(http.StatusOK, Response{Success: true, Data: stuckResponse{
		TimeoutMinutes: int64(timeout / time.Minute),
		Count:          len(stuck),
		Executions:     stuck,
	}})
}

func (h *ExecutionHandler) PostSyncStuck(c echo.Context) error {
	params := new(SyncStuckParams)
	if err := c.Bind(params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid request body")
	}
	timeout := h.executionTimeout
	if params.TimeoutMinutes > 0 {
		timeout = time.Duration(params.TimeoutMinutes) * time.Minute
	}
	report, err := h.executions.CheckAndHandleTimeouts(
		c.Request().Context(), timeout, clampLimit(params.Limit),
	)
	if err != nil {
		return serviceError(err, "unable to handle stuck executions")
	}
	return c.JSON(http.StatusOK, Response{Success: true, Data: report})
}

func clampLimit(limit int64) int64 {
	switch {
	case limit <= 0:
		return defaultStuckLimit
	case limit > maxStuckLimit:
		return maxStuckLimit
	}
	return limit
}
