package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/haatos/runsync/internal/service"
	"github.com/labstack/echo/v4"
)

const connectionCheckTimeout = 5 * time.Second

type ScannerInspector interface {
	Stats() service.ScannerStats
	Health() service.ScannerHealth
	RunCycle(ctx context.Context) bool
}

type ConnectionChecker interface {
	CheckConnection(ctx context.Context) error
}

type MonitoringStatser interface {
	Stats() service.MonitoringStats
}

type HubStatser interface {
	Stats() service.HubStats
}

type MonitorHandler struct {
	scanner     ScannerInspector
	jenkins     ConnectionChecker
	coordinator MonitoringStatser
	hub         HubStatser
}

func NewMonitorHandler(
	scanner ScannerInspector,
	jenkins ConnectionChecker,
	coordinator MonitoringStatser,
	hub HubStatser,
) *MonitorHandler {
	return &MonitorHandler{
		scanner:     scanner,
		jenkins:     jenkins,
		coordinator: coordinator,
		hub:         hub,
	}
}

func SetupMonitorRoutes(g *echo.Group, h *MonitorHandler) {
	g.GET("/monitor/stats", h.GetStats)
	g.GET("/monitor/health", h.GetHealth)
	g.POST("/monitor/scan", h.PostScan)
}

type monitorStats struct {
	Scanner service.ScannerStats    `json:"scanner"`
	Sync    service.MonitoringStats `json:"sync"`
	Fanout  service.HubStats        `json:"fanout"`
}

func (h *MonitorHandler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: monitorStats{
		Scanner: h.scanner.Stats(),
		Sync:    h.coordinator.Stats(),
		Fanout:  h.hub.Stats(),
	}})
}

type monitorHealth struct {
	Healthy bool     `json:"healthy"`
	Jenkins bool     `json:"jenkins"`
	Issues  []string `json:"issues"`
}

// GetHealth answers 503 when the scanner reports issues or Jenkins cannot be
// reached.
func (h *MonitorHandler) GetHealth(c echo.Context) error {
	health := h.scanner.Health()
	issues := append([]string{}, health.Issues...)

	ctx, cancel := context.WithTimeout(c.Request().Context(), connectionCheckTimeout)
	defer cancel()
	jenkinsOK := true
	if err := h.jenkins.CheckConnection(ctx); err != nil {
		jenkinsOK = false
		issues = append(issues, "jenkins unreachable: "+err.Error())
	}

	res := monitorHealth{
		Healthy: health.Healthy && jenkinsOK,
		Jenkins: jenkinsOK,
		Issues:  issues,
	}
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, Response{Success: res.Healthy, Data: res})
}

// PostScan runs one scan cycle immediately.
func (h *MonitorHandler) PostScan(c echo.Context) error {
	if !h.scanner.RunCycle(c.Request().Context()) {
		return newError(nil, http.StatusConflict, "a scan cycle is already in progress")
	}
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "scan cycle finished",
		Data:    h.scanner.Stats(),
	})
}
