package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/kernelerr"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

// wsPollInterval bounds each relay pull, and so how long an incoming
// interrupt may wait while an execution is streaming.
const wsPollInterval = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // bearer token gates the route
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type string `json:"type"` // "execute" or "interrupt"
	Code string `json:"code"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type          string                `json:"type"` // started, output, done, interrupted, error
	CodeMessageID string                `json:"code_message_id,omitempty"`
	Message       *protocol.Message     `json:"message,omitempty"`
	Callbacks     []callbacks.Record    `json:"callbacks,omitempty"`
	Error         *kernelerr.Envelope   `json:"error,omitempty"`
	KernelStatus  protocol.KernelStatus `json:"kernel_status,omitempty"`
	Detail        string                `json:"detail,omitempty"`
}

// handleWebSocket runs cells pushed by the client and streams their output
// until each execution's idle status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Cancelled when the client goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	incoming := make(chan wsIncoming)
	go func() {
		defer cancel()
		defer close(incoming)
		for {
			var msg wsIncoming
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Debug("websocket read ended", zap.Error(err))
				}
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	var running string
	for {
		if running == "" {
			select {
			case msg, ok := <-incoming:
				if !ok {
					return
				}
				running = s.processWebSocketMessage(ctx, conn, msg, running)
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			running = s.processWebSocketMessage(ctx, conn, msg, running)
			continue
		default:
		}

		resp, err := s.relay.Pull(ctx, wsPollInterval)
		if err != nil {
			s.wsWriteJSON(conn, wsOutgoing{Type: "error", Detail: err.Error()})
			running = ""
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if resp.Message != nil || len(resp.Callbacks) > 0 {
			s.wsWriteJSON(conn, wsOutgoing{
				Type:          "output",
				CodeMessageID: running,
				Message:       resp.Message,
				Callbacks:     resp.Callbacks,
				KernelStatus:  resp.KernelStatus,
			})
		}
		if err := resp.Err(); err != nil {
			s.wsWriteJSON(conn, wsOutgoing{
				Type:          "error",
				CodeMessageID: running,
				Error:         kernelerr.FromError(err),
				KernelStatus:  resp.KernelStatus,
			})
			running = ""
			continue
		}
		if ev := resp.Event(); ev != nil && protocol.IsIdleFor(ev, running) {
			s.wsWriteJSON(conn, wsOutgoing{Type: "done", CodeMessageID: running, KernelStatus: resp.KernelStatus})
			running = ""
		}
	}
}

// processWebSocketMessage handles one client command and returns the id of
// the execution being streamed afterwards.
func (s *Server) processWebSocketMessage(ctx context.Context, conn *websocket.Conn, msg wsIncoming, running string) string {
	switch msg.Type {
	case "execute":
		if running != "" {
			s.wsWriteJSON(conn, wsOutgoing{Type: "error", CodeMessageID: running, Detail: "an execution is already streaming"})
			return running
		}
		resp := s.gateway.Execute(ctx, msg.Code)
		if resp.Error != nil {
			s.wsWriteJSON(conn, wsOutgoing{Type: "error", Error: resp.Error, KernelStatus: resp.KernelStatus})
			return ""
		}
		s.wsWriteJSON(conn, wsOutgoing{Type: "started", CodeMessageID: resp.CodeMessageID, KernelStatus: resp.KernelStatus})
		return resp.CodeMessageID
	case "interrupt":
		if err := s.gateway.Interrupt(ctx); err != nil {
			s.wsWriteJSON(conn, wsOutgoing{Type: "error", CodeMessageID: running, Error: kernelerr.FromError(err)})
			return running
		}
		s.wsWriteJSON(conn, wsOutgoing{Type: "interrupted", CodeMessageID: running})
		return running
	default:
		s.wsWriteJSON(conn, wsOutgoing{Type: "error", Detail: "invalid message type " + msg.Type})
		return running
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("websocket marshal error", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("websocket write error", zap.Error(err))
	}
}
