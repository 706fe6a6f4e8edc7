package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"loom/internal/eventbus"
)

// wsEnvelope is the frame pushed to WebSocket clients.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const wsWriteTimeout = 10 * time.Second

// terminalKinds end a per-task stream; after one of these the socket closes.
var terminalKinds = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

// handleTaskStream upgrades to WebSocket and relays the task's progress
// events in emission order. The stream ends when the task reaches a terminal
// state or the client disconnects; detaching never affects the task itself.
func (s *Server) handleTaskStream(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.orch.GetStatus(id); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed for task %s: %v", id, err)
		return
	}
	defer conn.Close()

	// Attach before reading the snapshot. Done the other way around, an
	// event emitted between the two is lost; if that event is the terminal
	// one, the client never sees the stream end.
	stream := s.bus.CreateStream(eventbus.StreamFilter{TaskIDs: []string{id}})
	defer s.bus.RemoveStream(stream)

	// Reader loop: its only job is to notice the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the current snapshot first so late subscribers can catch up.
	t, err := s.orch.GetStatus(id)
	if err != nil {
		return
	}
	if err := s.writeFrame(conn, wsEnvelope{Event: "snapshot", Data: t}); err != nil {
		return
	}
	if t.Status.IsTerminal() {
		deadline := time.Now().Add(wsWriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"), deadline)
		return
	}

	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := s.writeFrame(conn, wsEnvelope{Event: event.Kind, Data: event}); err != nil {
				s.logger.Debug("websocket write failed for task %s: %v", id, err)
				return
			}
			if terminalKinds[event.Kind] {
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"), deadline)
				return
			}
		case <-clientGone:
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame wsEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
