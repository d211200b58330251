package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

const (
	natsMaxReconnects = -1
	natsReconnectWait = 2 * time.Second
)

// Kind names a session lifecycle event.
type Kind string

const (
	SessionCreated Kind = "session.created"
	SessionEvicted Kind = "session.evicted"
	PeerOnline     Kind = "peer.online"
	PeerOffline    Kind = "peer.offline"
)

// Event is the JSON body published for every lifecycle change.
type Event struct {
	Type      Kind          `json:"type"`
	SessionID string        `json:"sessionId"`
	Role      protocol.Role `json:"role,omitempty"`
	At        time.Time     `json:"at"`
}

// Publisher fans lifecycle events out to observers outside the relay.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}

// NATSPublisher publishes events on <prefix>.<kind>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("vision-kiosk-relay"),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "kiosk"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return Subject(p.prefix, kind)
}

// Publish is fire-and-forget; failures are logged, never returned to the relay.
func (p *NATSPublisher) Publish(_ context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("failed to marshal lifecycle event")
		return
	}
	if err := p.nc.Publish(p.Subject(event.Type), data); err != nil {
		log.Warn().
			Err(err).
			Str("type", string(event.Type)).
			Str("session_id", event.SessionID).
			Msg("failed to publish lifecycle event")
	}
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("nats drain failed")
		p.nc.Close()
	}
}

// Subject joins a prefix and an event kind.
func Subject(prefix string, kind Kind) string {
	return prefix + "." + string(kind)
}
