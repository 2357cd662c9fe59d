// Package http exposes the coordinator over a minimal REST surface.
// The handlers translate transport concerns only; every decision stays
// in the core services.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/taskmesh/coordinator/internal/core/domain"
	"github.com/taskmesh/coordinator/internal/core/service"
)

type Handler struct {
	coordinator *service.Coordinator
	log         *zap.Logger
}

func NewHandler(coordinator *service.Coordinator, log *zap.Logger) *Handler {
	return &Handler{coordinator: coordinator, log: log}
}

// SubmitTaskRequest is the request to submit a task.
type SubmitTaskRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Capability string          `json:"capability,omitempty"`
}

// SubmitTask submits a new task.
// POST /api/tasks
func (h *Handler) SubmitTask(c echo.Context) error {
	ctx := c.Request().Context()

	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type is required"})
	}

	taskID, err := h.coordinator.SubmitTask(ctx, req.Type, req.Payload, req.Capability)
	if err != nil {
		h.log.Error("Failed to submit task", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "task store unavailable"})
	}

	return c.JSON(http.StatusCreated, map[string]string{"task_id": taskID})
}

// GetTask returns a task snapshot.
// GET /api/tasks/:id
func (h *Handler) GetTask(c echo.Context) error {
	ctx := c.Request().Context()

	task, err := h.coordinator.GetTaskStatus(ctx, c.Param("id"))
	if errors.Is(err, domain.ErrUnknownTask) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	if err != nil {
		h.log.Error("Failed to get task", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "task store unavailable"})
	}

	return c.JSON(http.StatusOK, task)
}

// CancelTask cancels a PENDING task.
// DELETE /api/tasks/:id
func (h *Handler) CancelTask(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.coordinator.CancelTask(ctx, c.Param("id"))
	switch {
	case errors.Is(err, domain.ErrUnknownTask):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, domain.ErrStaleTransition):
		return c.JSON(http.StatusConflict, map[string]string{"error": "only pending tasks can be cancelled"})
	case err != nil:
		h.log.Error("Failed to cancel task", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "task store unavailable"})
	}

	return c.JSON(http.StatusOK, map[string]bool{"cancelled": true})
}

// ReportResultRequest is an agent's completion or failure report.
type ReportResultRequest struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ReportResult applies a result report for a task.
// POST /api/tasks/:id/result
func (h *Handler) ReportResult(c echo.Context) error {
	ctx := c.Request().Context()

	var req ReportResultRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	var status domain.TaskStatus
	switch req.Status {
	case "completed":
		status = domain.TaskStatusCompleted
	case "failed":
		status = domain.TaskStatusFailed
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "status must be completed or failed"})
	}

	err := h.coordinator.ReportResult(ctx, c.Param("id"), status, req.Result, req.Error)
	if errors.Is(err, domain.ErrUnknownTask) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	if err != nil {
		h.log.Error("Failed to report result", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "task store unavailable"})
	}

	// Stale reports are accepted and discarded; both paths are a 202.
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true})
}

// ConnectAgentRequest is the request to connect an agent.
type ConnectAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ConnectAgent registers an agent and provisions its delivery queue.
// POST /api/agents
func (h *Handler) ConnectAgent(c echo.Context) error {
	ctx := c.Request().Context()

	var req ConnectAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
	}

	err := h.coordinator.ConnectAgent(ctx, req.AgentID, req.Capabilities)
	if errors.Is(err, domain.ErrDuplicateActiveAgent) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "agent already connected"})
	}
	if err != nil {
		h.log.Error("Failed to connect agent", zap.String("agent_id", req.AgentID), zap.Error(err))
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to provision delivery channel"})
	}

	return c.JSON(http.StatusCreated, map[string]bool{"connected": true})
}

// DisconnectAgent deregisters an agent.
// DELETE /api/agents/:id
func (h *Handler) DisconnectAgent(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.coordinator.DisconnectAgent(ctx, c.Param("id"))
	if errors.Is(err, domain.ErrUnknownAgent) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "failed to disconnect agent"})
	}

	return c.JSON(http.StatusOK, map[string]bool{"disconnected": true})
}

// Heartbeat refreshes an agent's liveness.
// POST /api/agents/:id/heartbeat
func (h *Handler) Heartbeat(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.coordinator.Heartbeat(ctx, c.Param("id"))
	if errors.Is(err, domain.ErrUnknownAgent) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "failed to record heartbeat"})
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ListAgents returns every known agent, connected or not.
// GET /api/agents
func (h *Handler) ListAgents(c echo.Context) error {
	ctx := c.Request().Context()

	agents, err := h.coordinator.ListAgents(ctx)
	if err != nil {
		h.log.Error("Failed to list agents", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "failed to list agents"})
	}

	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}
