package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
)

type Authenticator interface {
	PrincipalFromAuthHeader(header string) (domain.Principal, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, p domain.Principal, boardID string, op domain.Operation) error
}

type Config struct {
	MailboxSize  int
	PingInterval time.Duration
	SSEKeepAlive time.Duration
	// CheckOrigin is passed to the WebSocket upgrader; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.SSEKeepAlive <= 0 {
		c.SSEKeepAlive = 15 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Server exposes the WebSocket and SSE endpoints on top of a Hub.
type Server struct {
	hub      *Hub
	presence *Presence
	auth     Authenticator
	authz    Authorizer
	cfg      Config
	log      *log.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, presence *Presence, auth Authenticator, authz Authorizer, cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &Server{
		hub:      hub,
		presence: presence,
		auth:     auth,
		authz:    authz,
		cfg:      cfg,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/api/socket", s.handleSocket)
	e.GET("/api/sse", s.handleSSE)
}

// principal resolves the caller from the Authorization header, falling back
// to the token query parameter that browser EventSource and WebSocket
// clients use. No credentials at all yields the anonymous principal.
func (s *Server) principal(c echo.Context) (domain.Principal, error) {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); authHeader == "" && token != "" {
		authHeader = "Bearer " + token
	}
	if authHeader == "" {
		return domain.Principal{}, nil
	}
	return s.auth.PrincipalFromAuthHeader(authHeader)
}

// subscribe attaches conn to boardID after checking it may view the board.
func (s *Server) subscribe(ctx context.Context, boardID string, conn *Conn) error {
	if boardID == "" {
		return domain.ErrInvalidOperation
	}
	if err := s.authz.Authorize(ctx, conn.Principal(), boardID, domain.OpView); err != nil {
		return err
	}
	s.hub.Subscribe(boardID, conn)
	if err := s.presence.Join(boardID, conn); err != nil {
		s.unsubscribe(boardID, conn)
		return err
	}
	s.log.WithFields(log.Fields{
		"board":     boardID,
		"conn":      conn.ID(),
		"user":      conn.Principal().UserID,
		"transport": conn.Transport(),
	}).Debug("joined board")
	return nil
}

func (s *Server) unsubscribe(boardID string, conn *Conn) {
	s.hub.Unsubscribe(boardID, conn)
	s.presence.Leave(boardID, conn)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(c echo.Context, err error) error {
	return c.JSON(domain.HTTPStatus(err), errorBody{Error: err.Error(), Kind: domain.Kind(err)})
}

func encodeFrame(kind domain.EventKind, boardID string, payload any) ([]byte, error) {
	f, err := domain.NewFrame(kind, boardID, payload)
	if err != nil {
		return nil, err
	}
	return domain.EncodeFrame(f)
}
