package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sandboxd/internal/common/apperr"
)

type exposePortRequest struct {
	Port int    `json:"port" binding:"required"`
	Name string `json:"name"`
}

// handleExposePort backs POST /api/expose-port.
func (s *Server) handleExposePort(c *gin.Context) {
	var req exposePortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperr.New(apperr.CodeInvalidPort, "invalid request body").WithDetails(map[string]interface{}{"error": err.Error()}))
		return
	}
	entry, err := s.ports.Expose(req.Port, req.Name)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"port": entry.Port, "name": entry.Name, "exposedAt": entry.ExposedAt, "status": string(entry.Status)})
}

// handleListExposedPorts backs GET /api/exposed-ports.
func (s *Server) handleListExposedPorts(c *gin.Context) {
	entries := s.ports.List()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"port": e.Port, "name": e.Name, "exposedAt": e.ExposedAt, "status": string(e.Status)})
	}
	c.JSON(http.StatusOK, gin.H{"ports": out})
}

// handleUnexposePort backs DELETE /api/exposed-ports/{port}.
func (s *Server) handleUnexposePort(c *gin.Context) {
	port, parseErr := strconv.Atoi(c.Param("port"))
	if parseErr != nil {
		c.Error(apperr.InvalidPort("port must be a number"))
		return
	}
	if err := s.ports.Unexpose(port); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusOK)
}

// handleProxy backs /proxy/{port}/... , rewriting the request onto
// localhost:{port} and streaming the response back verbatim (spec §4.7).
func (s *Server) handleProxy(c *gin.Context) {
	port, parseErr := strconv.Atoi(c.Param("port"))
	if parseErr != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid port"})
		return
	}
	prefix := "/proxy/" + c.Param("port")
	s.ports.ProxyRequest(port, prefix, c.Writer, c.Request)
}
