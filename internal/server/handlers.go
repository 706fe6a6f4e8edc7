package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	loomerrors "loom/internal/errors"
	"loom/internal/eventbus"
	"loom/internal/task"
)

type createTaskRequest struct {
	Description   string         `json:"description" binding:"required"`
	Context       map[string]any `json:"context"`
	Model         string         `json:"model"`
	Priority      string         `json:"priority"`
	MaxIterations int            `json:"max_iterations"`
	QualityGate   bool           `json:"quality_gate"`

	// Start controls whether execution begins immediately. Defaults to true.
	Start *bool `json:"start"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
		return
	}

	created, err := s.orch.CreateTask(task.Spec{
		Description:   req.Description,
		Context:       req.Context,
		Model:         req.Model,
		Priority:      task.Priority(req.Priority),
		MaxIterations: req.MaxIterations,
		QualityGate:   req.QualityGate,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	if req.Start == nil || *req.Start {
		s.orch.Start(created.ID)
	}

	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: created})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.orch.GetStatus(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: t})
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.orch.ListTasks()})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.orch.Cancel(id); err != nil {
		s.writeError(c, err)
		return
	}
	t, err := s.orch.GetStatus(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: t})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := s.orch.GetHealth()
	health.Timestamp = time.Now()
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: health})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	events := s.bus.GetEvents(eventbus.EventType(c.Query("type")), limit)
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: events})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case loomerrors.IsNotFound(err):
		status = http.StatusNotFound
	case loomerrors.IsValidation(err):
		status = http.StatusBadRequest
	case loomerrors.IsRateLimit(err):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}
