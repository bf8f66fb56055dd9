package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sandboxd/internal/common/pathvalidate"
	"github.com/kandev/sandboxd/internal/sessionmanager"
)

type createSessionRequest struct {
	ID  string            `json:"id"`
	Env map[string]string `json:"env"`
	Cwd string            `json:"cwd"`
}

// handleCreateSession backs POST /api/session/create (spec §6.1).
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(err)
			return
		}
	}
	if req.ID == "" {
		req.ID = newSessionID()
	}
	if req.Cwd != "" {
		if pathErr := pathvalidate.Validate(req.Cwd); pathErr != nil {
			c.Error(pathErr)
			return
		}
	}

	sess, err := s.sessions.CreateSession(c.Request.Context(), sessionmanager.CreateOptions{
		ID:  req.ID,
		Env: req.Env,
		Cwd: req.Cwd,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": sess.ID()})
}

// handleListSessions backs GET /api/session/list.
func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.ListSessions()})
}
