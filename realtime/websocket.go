package realtime

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Client messages on the socket.
const (
	MessageJoinBoard  = "join_board"
	MessageLeaveBoard = "leave_board"
	MessagePing       = "ping"
)

type ClientMessage struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId,omitempty"`
}

func (s *Server) handleSocket(c echo.Context) error {
	p, err := s.principal(c)
	if err != nil {
		return writeError(c, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err))
	}
	if p.Anonymous() {
		return writeError(c, domain.ErrUnauthenticated)
	}
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		return nil
	}
	conn := NewConn(p, TransportWebSocket, s.cfg.MailboxSize)
	logger := s.log.WithFields(log.Fields{"conn": conn.ID(), "user": p.UserID, "transport": TransportWebSocket})
	logger.Debug("socket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ws, conn, logger)
	}()
	if frame, err := encodeFrame(domain.Connected, "", domain.ConnectedPayload{UserID: p.UserID, Transport: TransportWebSocket}); err == nil {
		_ = conn.Send(frame)
	}

	joined := map[string]struct{}{}
	defer func() {
		for boardID := range joined {
			s.unsubscribe(boardID, conn)
		}
		conn.Close()
		<-writerDone
		logger.Debug("socket closed")
	}()

	ws.SetReadLimit(maxMessageSize)
	pongWait := s.cfg.PingInterval * 2
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	ctx := c.Request().Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Info("socket read failed")
			}
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		var msg ClientMessage
		if err := sonic.ConfigStd.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, "malformed message")
			continue
		}
		switch msg.Type {
		case MessageJoinBoard:
			if _, ok := joined[msg.BoardID]; ok {
				if s.hub.Subscribed(msg.BoardID, conn) {
					continue
				}
				// Dropped when the board was deleted.
				delete(joined, msg.BoardID)
			}
			if err := s.subscribe(ctx, msg.BoardID, conn); err != nil {
				s.sendError(conn, "cannot join board: "+domain.Kind(err))
				continue
			}
			joined[msg.BoardID] = struct{}{}
		case MessageLeaveBoard:
			if _, ok := joined[msg.BoardID]; ok {
				s.unsubscribe(msg.BoardID, conn)
				delete(joined, msg.BoardID)
			}
		case MessagePing:
			if frame, err := encodeFrame("pong", "", struct{}{}); err == nil {
				_ = conn.Send(frame)
			}
		default:
			s.sendError(conn, "unknown message type "+msg.Type)
		}
		select {
		case <-conn.Done():
			// Pruned by the hub while we were reading.
			return nil
		default:
		}
	}
}

func (s *Server) sendError(conn *Conn, message string) {
	frame, err := encodeFrame(domain.ErrorOccurred, "", domain.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	_ = conn.Send(frame)
}

// writePump is the only writer on ws. It drains the mailbox and keeps the
// connection alive with pings; closing conn ends it and the socket.
func (s *Server) writePump(ws *websocket.Conn, conn *Conn, logger *log.Entry) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case frame := <-conn.Frames():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.WithError(err).Info("socket write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			conn.drain(func(frame []byte) bool {
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				return ws.WriteMessage(websocket.TextMessage, frame) == nil
			})
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
