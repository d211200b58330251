package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	model "github.com/zhouzirui/vision-kiosk/backend/internal/model/session"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/events"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/session"
)

var (
	// ErrServerOnlyFrame is returned when a client sends a frame only the relay may emit.
	ErrServerOnlyFrame = errors.New("server-only frame type")
	// ErrPeerAbsent is returned when the opposite slot is empty and the frame was dropped.
	ErrPeerAbsent = errors.New("peer not connected")
)

// Service 会话中继：连接注册、帧转发与在线状态通知
type Service struct {
	registry  *session.Registry
	publisher events.Publisher
}

// NewService wires the relay on top of a registry.
func NewService(registry *session.Registry, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{registry: registry, publisher: publisher}
}

// Registry exposes the underlying session store.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// CreateSession allocates a new session code.
func (s *Service) CreateSession(ctx context.Context) (model.Session, error) {
	return s.registry.Create(ctx)
}

// GetSession returns a snapshot of the session.
func (s *Service) GetSession(id string) (model.Session, error) {
	return s.registry.Get(id)
}

// Connect registers peer in the role slot, acknowledges it and exchanges
// presence with the opposite peer. Frames are queued while the registry lock
// is held so presence notices cannot overtake each other.
func (s *Service) Connect(ctx context.Context, id string, role protocol.Role, peer session.Peer) error {
	logger := log.With().Str("session_id", id).Str("role", role.String()).Logger()

	var present bool
	err := s.registry.AttachFunc(id, role, peer, func(other session.Peer) {
		present = other != nil
		if err := send(peer, protocol.Connected(role)); err != nil {
			logger.Warn().Err(err).Msg("failed to acknowledge connection")
		}
		if other == nil {
			return
		}
		if err := send(peer, protocol.PeerStatus(role.Opposite(), protocol.StatusOnline)); err != nil {
			logger.Warn().Err(err).Msg("failed to report existing peer")
		}
		if err := send(other, protocol.PeerStatus(role, protocol.StatusOnline)); err != nil {
			logger.Warn().Err(err).Msg("failed to notify peer of arrival")
		}
	})
	if err != nil {
		return err
	}

	logger.Info().Bool("peer_present", present).Msg("peer connected")
	s.publisher.Publish(ctx, events.Event{
		Type:      events.PeerOnline,
		SessionID: id,
		Role:      role,
		At:        s.registry.Clock().Now().UTC(),
	})
	return nil
}

// Forward delivers frame unmodified to the role opposite from. Malformed and
// server-only frames are rejected; a missing peer drops the frame.
func (s *Service) Forward(_ context.Context, id string, from protocol.Role, frame []byte) error {
	frameType, err := protocol.Peek(frame)
	if err != nil {
		return err
	}
	if frameType.ServerOnly() {
		return fmt.Errorf("%w: %s", ErrServerOnlyFrame, frameType)
	}

	s.registry.Touch(id)

	target, ok := s.registry.Peer(id, from.Opposite())
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerAbsent, from.Opposite())
	}
	return target.Send(frame)
}

// Disconnect clears the role slot if it still holds peer and notifies the
// survivor exactly once.
func (s *Service) Disconnect(ctx context.Context, id string, role protocol.Role, peer session.Peer) {
	removed := s.registry.DetachFunc(id, role, peer, func(survivor session.Peer) {
		if survivor == nil {
			return
		}
		if err := send(survivor, protocol.PeerStatus(role, protocol.StatusOffline)); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to notify survivor")
		}
	})
	if !removed {
		return
	}

	log.Info().Str("session_id", id).Str("role", role.String()).Msg("peer disconnected")
	s.publisher.Publish(ctx, events.Event{
		Type:      events.PeerOffline,
		SessionID: id,
		Role:      role,
		At:        s.registry.Clock().Now().UTC(),
	})
}

func send(peer session.Peer, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return peer.Send(frame)
}
