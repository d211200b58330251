package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRoleConflict    = errors.New("role already connected")
	ErrInvalidRole     = errors.New("invalid role")
	ErrNotConnected    = errors.New("relay connection not open")
	ErrClosed          = errors.New("relay connection closed")
	// ErrRejected covers refusals the client cannot classify.
	ErrRejected = errors.New("relay rejected connection")
)

// Handler receives every inbound frame except heartbeats, in socket order,
// from a single goroutine. HandleDisconnect is called once when the socket ends.
type Handler interface {
	HandleMessage(msg protocol.Message)
	HandleDisconnect(err error)
}

// Options 中继客户端连接选项
type Options struct {
	BaseURL          string
	Role             protocol.Role
	MaxRetries       int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	HTTPClient       *http.Client
}

// DefaultOptions 默认连接选项
func DefaultOptions(baseURL string, role protocol.Role) Options {
	return Options{
		BaseURL:          baseURL,
		Role:             role,
		MaxRetries:       3,
		RetryDelay:       time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		HTTPClient:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Conn owns one relay socket for one role.
type Conn struct {
	opts    Options
	handler Handler

	mu        sync.Mutex
	ws        *websocket.Conn
	sessionID string
	done      chan struct{}
	err       error
	closing   bool

	writeMu sync.Mutex
}

// New creates an unopened connection.
func New(opts Options, handler Handler) *Conn {
	defaults := DefaultOptions(opts.BaseURL, opts.Role)
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = defaults.HTTPClient
	}
	return &Conn{opts: opts, handler: handler}
}

// CreateSession asks the relay for a new session code.
func (c *Conn) CreateSession(ctx context.Context) (string, error) {
	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + "/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("relay returned status %d", resp.StatusCode)
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode session: %w", err)
	}
	if body.SessionID == "" {
		return "", errors.New("relay returned an empty session id")
	}
	return body.SessionID, nil
}

// Open dials the relay, retrying transport failures, and returns once the
// relay acknowledged the role. Refusals are returned without retrying.
func (c *Conn) Open(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		default:
			return errors.New("relay connection already open")
		}
	}

	var lastErr error
	for i := 0; i < c.opts.MaxRetries; i++ {
		ws, first, err := c.handshake(ctx, sessionID)
		if err == nil {
			c.start(ws, sessionID, first)
			return nil
		}

		lastErr = err
		if isRejection(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().Err(err).Int("attempt", i+1).Str("session_id", sessionID).Msg("relay connect failed")

		// 等待一段时间后重试
		retryDelay := time.Duration(i+1) * c.opts.RetryDelay
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return fmt.Errorf("failed to connect after %d retries, last error: %w", c.opts.MaxRetries, lastErr)
}

func (c *Conn) handshake(ctx context.Context, sessionID string) (*websocket.Conn, protocol.Message, error) {
	wsURL, err := c.socketURL(sessionID)
	if err != nil {
		return nil, protocol.Message{}, err
	}

	dialer := &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, protocol.Message{}, fmt.Errorf("websocket dial failed: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	first, err := readMessage(ws)
	if err != nil {
		ws.Close()
		return nil, protocol.Message{}, classifyClose(err)
	}

	switch first.Type {
	case protocol.TypeConnected:
		return ws, first, nil
	case protocol.TypeError:
		// 服务端会在 ERROR 之后关闭连接，关闭码携带拒绝原因
		_, _, closeErr := ws.ReadMessage()
		ws.Close()
		return nil, protocol.Message{}, rejectionError(first, closeErr)
	default:
		ws.Close()
		return nil, protocol.Message{}, fmt.Errorf("%w: unexpected first frame %s", ErrRejected, first.Type)
	}
}

func (c *Conn) socketURL(sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("session", sessionID)
	q.Set("role", c.opts.Role.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) start(ws *websocket.Conn, sessionID string, first protocol.Message) {
	done := make(chan struct{})

	c.mu.Lock()
	c.ws = ws
	c.sessionID = sessionID
	c.done = done
	c.err = nil
	c.closing = false
	c.mu.Unlock()

	_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	// 服务端的 ping 同样刷新读超时
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
	})

	log.Info().Str("session_id", sessionID).Str("role", c.opts.Role.String()).Msg("relay connected")

	go c.pingLoop(ws, done)
	go c.readLoop(ws, done, first)
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}, first protocol.Message) {
	logger := log.With().Str("session_id", c.sessionID).Str("role", c.opts.Role.String()).Logger()

	if c.handler != nil {
		c.handler.HandleMessage(first)
	}

	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				logger.Debug().Err(err).Msg("ignoring unknown frame")
			} else {
				logger.Warn().Err(err).Msg("dropping malformed frame")
			}
			continue
		}
		if msg.Type == protocol.TypePing {
			continue
		}
		if c.handler != nil {
			c.handler.HandleMessage(msg)
		}
	}

	c.mu.Lock()
	if c.closing {
		readErr = ErrClosed
	}
	c.err = readErr
	c.mu.Unlock()
	ws.Close()
	close(done)

	if !errors.Is(readErr, ErrClosed) {
		logger.Warn().Err(readErr).Msg("relay connection lost")
	}
	if c.handler != nil {
		c.handler.HandleDisconnect(readErr)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				ws.Close()
				return
			}
		}
	}
}

// Send writes one frame. Writes are serialized across goroutines.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	closing := c.closing
	done := c.done
	c.mu.Unlock()
	if ws == nil || closing {
		return ErrNotConnected
	}
	select {
	case <-done:
		return ErrNotConnected
	default:
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Close ends the connection. The handler sees ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	if ws == nil || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	default:
	}

	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opts.WriteTimeout))
	c.writeMu.Unlock()
	return ws.Close()
}

// Done is closed when the socket ends.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Err returns why the socket ended.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SessionID returns the session of the last successful Open.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func readMessage(ws *websocket.Conn) (protocol.Message, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(data)
}

func rejectionError(msg protocol.Message, closeErr error) error {
	switch msg.Code {
	case protocol.CodeSessionNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg.Message)
	case protocol.CodeRoleConflict:
		return fmt.Errorf("%w: %s", ErrRoleConflict, msg.Message)
	case protocol.CodeInvalidRole:
		return fmt.Errorf("%w: %s", ErrInvalidRole, msg.Message)
	}
	if err := classifyClose(closeErr); isRejection(err) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrRejected, msg.Message)
}

func classifyClose(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case 4000:
			return fmt.Errorf("%w: %s", ErrSessionNotFound, closeErr.Text)
		case 4001:
			return fmt.Errorf("%w: %s", ErrInvalidRole, closeErr.Text)
		case 4002:
			return fmt.Errorf("%w: %s", ErrRoleConflict, closeErr.Text)
		}
	}
	return err
}

func isRejection(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrRoleConflict) ||
		errors.Is(err, ErrInvalidRole) ||
		errors.Is(err, ErrRejected)
}
