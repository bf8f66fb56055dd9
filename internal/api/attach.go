package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/processservice"
)

// Enrichment beyond spec.md's HTTP surface table: a websocket endpoint that
// runs each command the client sends against a session and streams its
// output back live, in the spirit of streaming/client.go's
// ReadPump/WritePump idiom.
const (
	attachWriteWait  = 10 * time.Second
	attachPongWait   = 60 * time.Second
	attachPingPeriod = (attachPongWait * 9) / 10
)

var attachUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type attachCommandMessage struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

// handleSessionAttach upgrades to a websocket, accepts {"command"} messages
// from the client, runs each as a streamed command against the named
// session, and forwards every stdout/stderr/complete/error event back as a
// JSON text message.
func (s *Server) handleSessionAttach(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := attachUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("attach websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan []byte, 64)
	done := make(chan struct{})
	go s.attachWritePump(conn, send, done)
	s.attachReadPump(conn, sessionID, send, done)
}

func (s *Server) attachReadPump(conn *websocket.Conn, sessionID string, send chan<- []byte, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(attachPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(attachPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("attach websocket read error", zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}

		var msg attachCommandMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Command == "" {
			continue
		}

		record, startErr := s.processes.ExecuteCommandStream(context.Background(), msg.Command, processservice.Options{
			SessionID: sessionID,
			Cwd:       msg.Cwd,
		})
		if startErr != nil {
			s.sendAttachError(send, startErr.Error())
			continue
		}

		chunks, logErr := s.processes.StreamProcessLogs(record.ID)
		if logErr != nil {
			s.sendAttachError(send, logErr.Error())
			continue
		}
		s.forwardAttachChunks(record.ID, chunks, send)
	}
}

func (s *Server) sendAttachError(send chan<- []byte, message string) {
	data, _ := json.Marshal(gin.H{"type": "error", "message": message})
	select {
	case send <- data:
	default:
	}
}

// forwardAttachChunks relays one command's output chunks to the websocket
// synchronously, so commands submitted over the same connection are
// reflected back in the order they were run.
func (s *Server) forwardAttachChunks(processID string, chunks <-chan processservice.LogChunk, send chan<- []byte) {
	for chunk := range chunks {
		var payload gin.H
		if chunk.Done {
			payload = gin.H{"type": "complete", "processId": processID}
		} else {
			payload = gin.H{"type": chunk.Stream, "chunk": chunk.Data, "processId": processID}
		}
		data, _ := json.Marshal(payload)
		select {
		case send <- data:
		default:
		}
		if chunk.Done {
			return
		}
	}
}

func (s *Server) attachWritePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(attachPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(attachWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(attachWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
