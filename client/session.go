package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Hiviexd/kanban-board/domain"
	"github.com/Hiviexd/kanban-board/realtime"
)

const (
	defaultFallbackAfter = 2 * time.Second
	maxSSELine           = 1 << 20
	maxSSEBackoff        = 5 * time.Second
)

type SessionConfig struct {
	BaseURL string
	Token   string
	BoardID string
	// FallbackAfter bounds how long the WebSocket handshake may take before
	// the session switches to SSE.
	FallbackAfter time.Duration
	// DisableWebSocket goes straight to SSE.
	DisableWebSocket bool
	HTTP             *http.Client
	Dialer           *websocket.Dialer
	Logger           *log.Logger
	Buffer           int
}

// Session delivers the frames of one board. It starts on WebSocket and
// moves to SSE on the first WebSocket failure; it never goes back.
type Session struct {
	cfg    SessionConfig
	log    *log.Entry
	frames chan domain.Frame
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	transport string
	ws        *websocket.Conn
	err       error
}

// Open connects to the board's realtime channel. It returns once a
// transport has been chosen and connected.
func Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.BoardID == "" {
		return nil, fmt.Errorf("%w: board id required", domain.ErrInvalidOperation)
	}
	if cfg.FallbackAfter <= 0 {
		cfg.FallbackAfter = defaultFallbackAfter
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:    cfg,
		log:    cfg.Logger.WithField("board", cfg.BoardID),
		frames: make(chan domain.Frame, cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	var ws *websocket.Conn
	if !cfg.DisableWebSocket {
		ws = s.dialWebSocket(runCtx)
	}
	if ws != nil {
		s.setTransport(realtime.TransportWebSocket, ws)
		go s.run(runCtx, func(ctx context.Context) error { return s.readWebSocket(ctx, ws) })
		return s, nil
	}

	resp, err := s.connectSSE(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.setTransport(realtime.TransportSSE, nil)
	go s.run(runCtx, func(ctx context.Context) error { return s.streamSSE(ctx, resp) })
	return s, nil
}

func (s *Session) Frames() <-chan domain.Frame { return s.frames }

func (s *Session) Done() <-chan struct{} { return s.done }

// Transport is the channel currently in use.
func (s *Session) Transport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Err reports why the session ended, after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.cancel()
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}
	<-s.done
	return nil
}

func (s *Session) setTransport(t string, ws *websocket.Conn) {
	s.mu.Lock()
	s.transport, s.ws = t, ws
	s.mu.Unlock()
	s.log.WithField("transport", t).Debug("realtime session connected")
}

func (s *Session) run(ctx context.Context, first func(context.Context) error) {
	defer close(s.done)
	defer close(s.frames)
	err := first(ctx)
	if ctx.Err() == nil {
		if s.Transport() == realtime.TransportWebSocket {
			s.log.WithError(err).Warn("websocket lost, switching to sse")
		} else {
			s.log.WithError(err).Warn("sse stream ended, reconnecting")
		}
		err = s.sseLoop(ctx)
	}
	if ctx.Err() != nil {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// dialWebSocket races the handshake against a one-shot timer. It returns nil
// when the session should use SSE instead.
func (s *Session) dialWebSocket(ctx context.Context) *websocket.Conn {
	target, err := s.endpoint("ws", "/api/socket", url.Values{"token": {s.cfg.Token}})
	if err != nil {
		s.log.WithError(err).Warn("bad websocket url")
		return nil
	}
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	results := make(chan dialResult, 1)
	go func() {
		conn, resp, err := s.cfg.Dialer.DialContext(dialCtx, target, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		results <- dialResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(s.cfg.FallbackAfter)
	defer timer.Stop()
	select {
	case r := <-results:
		if r.err != nil {
			s.log.WithError(r.err).Info("websocket unavailable, using sse")
			return nil
		}
		join, _ := sonic.ConfigStd.Marshal(realtime.ClientMessage{Type: realtime.MessageJoinBoard, BoardID: s.cfg.BoardID})
		if err := r.conn.WriteMessage(websocket.TextMessage, join); err != nil {
			s.log.WithError(err).Info("websocket join failed, using sse")
			_ = r.conn.Close()
			return nil
		}
		return r.conn
	case <-timer.C:
		s.log.WithField("after", s.cfg.FallbackAfter).Info("websocket handshake timed out, using sse")
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *Session) readWebSocket(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		f, err := domain.DecodeFrame(data)
		if err != nil {
			s.log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		if !s.emit(ctx, f) {
			return ctx.Err()
		}
	}
}

func (s *Session) emit(ctx context.Context, f domain.Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) endpoint(scheme, path string, q url.Values) (string, error) {
	u, err := url.Parse(s.cfg.BaseURL + path)
	if err != nil {
		return "", err
	}
	if scheme == "ws" {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	if q.Get("token") == "" {
		q.Del("token")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) connectSSE(ctx context.Context) (*http.Response, error) {
	target, err := s.endpoint("http", "/api/sse", url.Values{"boardId": {s.cfg.BoardID}, "token": {s.cfg.Token}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.cfg.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		if data, err := io.ReadAll(resp.Body); err == nil {
			_ = sonic.ConfigStd.Unmarshal(data, apiErr)
		}
		return nil, apiErr
	}
	return resp, nil
}

// streamSSE reads "data:" events until the body ends.
func (s *Session) streamSSE(ctx context.Context, resp *http.Response) error {
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELine)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			f, err := domain.DecodeFrame([]byte(strings.Join(data, "\n")))
			data = data[:0]
			if err != nil {
				s.log.WithError(err).Warn("dropping malformed event")
				continue
			}
			if !s.emit(ctx, f) {
				return ctx.Err()
			}
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// sseLoop keeps an SSE stream open, reconnecting with backoff. Client errors
// such as 403 end the session.
func (s *Session) sseLoop(ctx context.Context) error {
	s.setTransport(realtime.TransportSSE, nil)
	backoff := time.Second
	for {
		resp, err := s.connectSSE(ctx)
		if err == nil {
			backoff = time.Second
			err = s.streamSSE(ctx, resp)
		}
		if ctx.Err() != nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return err
		}
		s.log.WithError(err).Warn("sse stream ended, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff = min(backoff*2, maxSSEBackoff)
	}
}
