package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/jobs"
)

// Operators can enqueue the maintenance tasks by name; user-scoped work
// like backtests goes through its own endpoint.
var enqueueableTasks = map[string]struct{}{
	jobs.TaskPortfolioSync:  {},
	jobs.TaskRiskSweep:      {},
	jobs.TaskBotHealthCheck: {},
	jobs.TaskDataCleanup:    {},
	jobs.TaskDBVacuum:       {},
	jobs.TaskDailySummary:   {},
	jobs.TaskSymbolRefresh:  {},
}

type enqueueJobRequest struct {
	Name     string          `json:"name" binding:"required"`
	Args     json.RawMessage `json:"args"`
	Priority string          `json:"priority"`
}

func (s *Server) handleEnqueueJob(c *gin.Context) {
	var req enqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "name is required"))
		return
	}
	if _, ok := enqueueableTasks[req.Name]; !ok {
		s.fail(c, errs.E(errs.Validation, "unknown task %q", req.Name))
		return
	}
	priority := domain.PriorityNormal
	if req.Priority != "" {
		p, err := jobs.ParsePriority(req.Priority)
		if err != nil {
			s.fail(c, err)
			return
		}
		priority = p
	}

	jobID, err := s.jobs.EnqueueForUser(c.Request.Context(), req.Name, req.Args, priority, s.userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job_id": jobID})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handlePendingJobs(c *gin.Context) {
	counts, err := s.jobs.PendingByPriority(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleListDeadJobs(c *gin.Context) {
	list, err := s.jobs.ListDead(c.Request.Context(), int64(queryInt(c, "limit", 50)))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleRequeueDeadJob(c *gin.Context) {
	if err := s.jobs.RequeueDead(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}
