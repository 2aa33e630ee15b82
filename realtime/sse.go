package realtime

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

const sseDataPrefix = "data: "

// handleSSE streams one board's frames to clients that could not open a
// socket. Public boards can be watched without credentials.
func (s *Server) handleSSE(c echo.Context) error {
	boardID := c.QueryParam("boardId")
	if boardID == "" {
		return writeError(c, fmt.Errorf("%w: boardId is required", domain.ErrInvalidOperation))
	}
	p, err := s.principal(c)
	if err != nil {
		return writeError(c, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err))
	}
	ctx := c.Request().Context()
	if err := s.authz.Authorize(ctx, p, boardID, domain.OpView); err != nil {
		return writeError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	c.Response().WriteHeader(http.StatusOK)

	conn := NewConn(p, TransportSSE, s.cfg.MailboxSize)
	logger := s.log.WithFields(log.Fields{"board": boardID, "conn": conn.ID(), "user": p.UserID, "transport": TransportSSE})
	write := func(b []byte) error {
		if _, err := c.Response().Write(b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	hello, err := encodeFrame(domain.Connected, boardID, domain.ConnectedPayload{UserID: p.UserID, Transport: TransportSSE})
	if err != nil {
		return err
	}
	if err := write(sseEvent(hello)); err != nil {
		return nil
	}
	if err := s.subscribe(ctx, boardID, conn); err != nil {
		logger.WithError(err).Info("sse subscribe failed")
		return nil
	}
	defer func() {
		s.unsubscribe(boardID, conn)
		conn.Close()
		logger.Debug("sse closed")
	}()

	keepAlive := time.NewTicker(s.cfg.SSEKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			conn.drain(func(frame []byte) bool { return write(sseEvent(frame)) == nil })
			return nil
		case frame := <-conn.Frames():
			if err := write(sseEvent(frame)); err != nil {
				logger.WithError(err).Info("sse write failed")
				return nil
			}
		case <-keepAlive.C:
			if err := write([]byte(": keepalive\n\n")); err != nil {
				return nil
			}
		}
	}
}

func sseEvent(frame []byte) []byte {
	out := make([]byte, 0, len(sseDataPrefix)+len(frame)+2)
	out = append(out, sseDataPrefix...)
	out = append(out, frame...)
	return append(out, '\n', '\n')
}
