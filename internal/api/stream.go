package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

// wsSubscriber adapts a WebSocket connection to the orchestrator's subscriber handle.
type wsSubscriber struct {
	conn *websocket.Conn
}

// Send writes one frame. A failed write gets the subscriber pruned, so the
// connection is closed too and the client's read loop ends.
func (s *wsSubscriber) Send(ctx context.Context, frame []byte) error {
	err := s.conn.Write(ctx, websocket.MessageText, frame)
	if err != nil {
		go s.conn.Close(websocket.StatusGoingAway, "subscriber dropped")
	}
	return err
}

type ackBody struct {
	Delivered bool   `json:"delivered"`
	Recipient string `json:"recipient,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// stream upgrades to a WebSocket, registers the connection as a subscriber
// and routes inbound agent messages, answering each with an ack frame.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := &wsSubscriber{conn: conn}
	if err := s.orch.RegisterSubscriber(ctx, sub); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return
	}
	defer func() {
		if err := s.orch.RemoveSubscriber(context.Background(), sub); err != nil {
			logger.Warnf("Failed to remove stream subscriber: %v", err)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Debugf("Stream read ended: %v", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		}
		if err := s.ack(ctx, conn, data); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return
		}
	}
}

func (s *Server) ack(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var (
		msg  models.AgentMessage
		body ackBody
	)
	if err := json.Unmarshal(data, &msg); err != nil {
		body.Error = err.Error()
	} else if d, err := s.orch.RouteMessage(ctx, msg); err != nil {
		body.Error = err.Error()
	} else {
		body.Delivered = d.Delivered
		body.Recipient = d.Recipient
		body.Result = d.Result
		if !d.Delivered {
			body.Error = d.Reason
		}
	}

	evt, err := models.NewEvent(models.EventAck, body)
	if err != nil {
		return err
	}
	evt.CorrelationID = msg.CorrelationID
	if evt.CorrelationID == "" {
		evt.CorrelationID = msg.ID
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, evt)
}
