package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/pathvalidate"
	"github.com/kandev/sandboxd/internal/processservice"
	"github.com/kandev/sandboxd/internal/processstore"
)

type startProcessRequest struct {
	Command   string `json:"command" binding:"required"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

// handleStartProcess backs POST /api/process/start.
func (s *Server) handleStartProcess(c *gin.Context) {
	var req startProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperr.New(apperr.CodeInvalidCommand, "invalid request body").WithDetails(map[string]interface{}{"error": err.Error()}))
		return
	}
	if req.Cwd != "" {
		if pathErr := pathvalidate.Validate(req.Cwd); pathErr != nil {
			c.Error(pathErr)
			return
		}
	}
	record, err := s.processes.StartProcess(context.WithoutCancel(c.Request.Context()), req.Command, processservice.Options{
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, recordJSON(record))
}

// handleListProcesses backs GET /api/process/list?status=.
func (s *Server) handleListProcesses(c *gin.Context) {
	filter := processstore.Filter{}
	if statusParam := c.Query("status"); statusParam != "" {
		st := processstore.Status(statusParam)
		filter.Status = &st
	}

	records := s.processes.ListProcesses(filter)
	out := make([]gin.H, 0, len(records))
	for i := range records {
		out = append(out, recordJSON(&records[i]))
	}
	c.JSON(http.StatusOK, gin.H{"processes": out})
}

// handleGetProcess backs GET /api/process/{id}.
func (s *Server) handleGetProcess(c *gin.Context) {
	record, err := s.processes.GetProcess(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, recordJSON(record))
}

// handleKillProcess backs DELETE /api/process/{id}.
func (s *Server) handleKillProcess(c *gin.Context) {
	id := c.Param("id")
	record, err := s.processes.GetProcess(id)
	if err != nil {
		c.Error(err)
		return
	}
	if killErr := s.processes.KillProcess(record.SessionID, id); killErr != nil {
		c.Error(killErr)
		return
	}
	c.Status(http.StatusOK)
}

// handleKillAllProcesses backs DELETE /api/process/kill-all.
func (s *Server) handleKillAllProcesses(c *gin.Context) {
	errs := s.processes.KillAllProcesses()
	if len(errs) > 0 {
		details := make([]string, 0, len(errs))
		for _, e := range errs {
			details = append(details, e.Error())
		}
		c.JSON(http.StatusOK, gin.H{"killed": true, "errors": details})
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

// handleProcessLogs backs GET /api/process/{id}/logs, returning the
// buffered stdout/stderr as a single JSON snapshot.
func (s *Server) handleProcessLogs(c *gin.Context) {
	record, err := s.processes.GetProcess(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stdout": record.Stdout, "stderr": record.Stderr})
}

// handleProcessStream backs GET /api/process/{id}/stream, a restartable
// SSE tap on a process already in flight (spec §4.6: streamProcessLogs).
func (s *Server) handleProcessStream(c *gin.Context) {
	id := c.Param("id")
	record, err := s.processes.GetProcess(id)
	if err != nil {
		c.Error(err)
		return
	}
	chunks, logErr := s.processes.StreamProcessLogs(id)
	if logErr != nil {
		c.Error(logErr)
		return
	}
	writeSSE(c, chunks, func() map[string]interface{} { return recordJSON(record) })
}
