package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/pathvalidate"
	"github.com/kandev/sandboxd/internal/processservice"
	"github.com/kandev/sandboxd/internal/processstore"
)

type executeRequest struct {
	Command    string `json:"command" binding:"required"`
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	Background bool   `json:"background"`
	TimeoutMs  int    `json:"timeoutMs"`
}

// handleExecute backs POST /api/execute, dispatching to executeCommand or
// startProcess depending on the background flag (spec §6.1).
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
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

	opts := processservice.Options{SessionID: req.SessionID, Cwd: req.Cwd, TimeoutMs: req.TimeoutMs}

	if req.Background {
		record, err := s.processes.StartProcess(context.WithoutCancel(c.Request.Context()), req.Command, opts)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, recordJSON(record))
		return
	}

	res, err := s.processes.ExecuteCommand(c.Request.Context(), req.Command, opts)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  res.Success,
		"exitCode": res.ExitCode,
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
	})
}

// handleExecuteStream backs POST /api/execute/stream, streaming the
// resulting ProcessRecord's output as Server-Sent Events (spec §6.1).
func (s *Server) handleExecuteStream(c *gin.Context) {
	var req executeRequest
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

	record, err := s.processes.ExecuteCommandStream(c.Request.Context(), req.Command, processservice.Options{
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
	})
	if err != nil {
		c.Error(err)
		return
	}

	chunks, logErr := s.processes.StreamProcessLogs(record.ID)
	if logErr != nil {
		c.Error(logErr)
		return
	}

	writeSSE(c, chunks, func() map[string]interface{} { return recordJSON(record) })
}

func recordJSON(r *processstore.Record) gin.H {
	return gin.H{
		"id":        r.ID,
		"command":   r.Command,
		"status":    string(r.Status),
		"exitCode":  r.ExitCode,
		"sessionId": r.SessionID,
		"startTime": r.StartTime,
		"endTime":   r.EndTime,
	}
}

func writeSSE(c *gin.Context, chunks <-chan processservice.LogChunk, final func() map[string]interface{}) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)

	for chunk := range chunks {
		var payload map[string]interface{}
		if chunk.Done {
			payload = final()
			payload["type"] = "complete"
		} else {
			payload = map[string]interface{}{
				"type":  chunk.Stream,
				"chunk": chunk.Data,
			}
		}
		data, _ := json.Marshal(payload)
		c.Writer.Write([]byte("data: "))
		c.Writer.Write(data)
		c.Writer.Write([]byte("\n\n"))
		if ok {
			flusher.Flush()
		}
		if chunk.Done {
			return
		}
	}
}
