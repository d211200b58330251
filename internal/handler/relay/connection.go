package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSlowConsumer     = errors.New("send buffer full")
)

// minSendBuffer covers the frames queued by a successful connect before the
// write pump starts.
const minSendBuffer = 4

// connection is one registered socket. Every write goes through writePump.
type connection struct {
	ws        *websocket.Conn
	sessionID string
	role      protocol.Role
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	clock        clockwork.Clock
	writeTimeout time.Duration
}

func newConnection(ws *websocket.Conn, sessionID string, role protocol.Role, buffer int, writeTimeout time.Duration, clock clockwork.Clock) *connection {
	if buffer < minSendBuffer {
		buffer = minSendBuffer
	}
	return &connection{
		ws:           ws,
		sessionID:    sessionID,
		role:         role,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		clock:        clock,
		writeTimeout: writeTimeout,
	}
}

// Send queues a frame without blocking. A full buffer closes the socket.
func (c *connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errConnectionClosed
	default:
		log.Warn().
			Str("session_id", c.sessionID).
			Str("role", c.role.String()).
			Msg("ws client too slow, disconnecting")
		// Send may run under the registry lock, so the close handshake happens elsewhere.
		go c.Close()
		return errSlowConsumer
	}
}

// Close stops the write pump and tears down the socket. Safe to call more than once.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := c.clock.Now().Add(c.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *connection) writePump(pingInterval, heartbeatInterval time.Duration) {
	pingTicker := c.clock.NewTicker(pingInterval)
	heartbeat := c.clock.NewTicker(heartbeatInterval)
	defer func() {
		pingTicker.Stop()
		heartbeat.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("session_id", c.sessionID).Msg("ws write failed")
				return
			}
		case <-pingTicker.Chan():
			deadline := c.clock.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case now := <-heartbeat.Chan():
			// 部分代理会忽略控制帧，这里额外发送应用层心跳
			frame, err := protocol.Encode(protocol.Ping(now.UnixMilli()))
			if err != nil {
				continue
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *connection) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(c.clock.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}
