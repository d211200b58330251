package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	model "github.com/zhouzirui/vision-kiosk/backend/internal/model/session"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/events"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRoleConflict    = errors.New("role already connected")
	ErrIDExhausted     = errors.New("could not allocate a unique session id")
)

const (
	DefaultIdleTimeout = 30 * time.Minute
	maxIDAttempts      = 16
	sessionIDLength    = 6
)

// Peer is a socket registered in a session slot.
type Peer interface {
	Send(frame []byte) error
	Close() error
}

type record struct {
	id             string
	peers          map[protocol.Role]Peer
	createdAt      time.Time
	lastActivityAt time.Time
}

func (r *record) snapshot() model.Session {
	return model.Session{
		ID:             r.id,
		KioskOnline:    r.peers[protocol.RoleKiosk] != nil,
		TabletOnline:   r.peers[protocol.RoleTablet] != nil,
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}
}

// Registry is the authoritative in-memory store of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record
	evicted  int

	clock       clockwork.Clock
	idleTimeout time.Duration
	publisher   events.Publisher
	newID       func() string
}

// Option customises a Registry.
type Option func(*Registry)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) { r.clock = clock }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithIDGenerator replaces the session code generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry bootstraps an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*record),
		clock:       clockwork.NewRealClock(),
		idleTimeout: DefaultIdleTimeout,
		publisher:   events.Nop{},
		newID:       NewSessionID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewSessionID returns a short upper-case code that is easy to type on a tablet.
func NewSessionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(hex[:sessionIDLength])
}

// Clock exposes the registry clock so collaborators share one time source.
func (r *Registry) Clock() clockwork.Clock {
	return r.clock
}

// Create allocates a fresh session code and inserts an empty record.
func (r *Registry) Create(ctx context.Context) (model.Session, error) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	var id string
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		candidate := r.newID()
		if _, taken := r.sessions[candidate]; !taken && candidate != "" {
			id = candidate
			break
		}
	}
	if id == "" {
		r.mu.Unlock()
		return model.Session{}, ErrIDExhausted
	}

	rec := &record{
		id:             id,
		peers:          make(map[protocol.Role]Peer, 2),
		createdAt:      now,
		lastActivityAt: now,
	}
	r.sessions[id] = rec
	snapshot := rec.snapshot()
	r.mu.Unlock()

	log.Info().Str("session_id", id).Msg("session created")
	r.publisher.Publish(ctx, events.Event{Type: events.SessionCreated, SessionID: id, At: now})
	return snapshot, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}
	return rec.snapshot(), nil
}

// Attach registers peer under role and returns the opposite peer, if any.
func (r *Registry) Attach(id string, role protocol.Role, peer Peer) (Peer, error) {
	var other Peer
	err := r.AttachFunc(id, role, peer, func(o Peer) { other = o })
	return other, err
}

// AttachFunc registers peer under role and calls notify with the opposite
// peer (nil when absent) before the slot change becomes visible to other
// callers. notify must not block or call back into the registry.
func (r *Registry) AttachFunc(id string, role protocol.Role, peer Peer, notify func(other Peer)) error {
	if !role.Valid() {
		return protocol.ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if rec.peers[role] != nil {
		return ErrRoleConflict
	}

	rec.peers[role] = peer
	rec.lastActivityAt = r.clock.Now().UTC()
	if notify != nil {
		notify(rec.peers[role.Opposite()])
	}
	return nil
}

// Detach clears role's slot if it still holds peer. It reports the surviving
// peer and whether this call removed the socket, so a disconnect is only
// announced once.
func (r *Registry) Detach(id string, role protocol.Role, peer Peer) (Peer, bool) {
	var survivor Peer
	removed := r.DetachFunc(id, role, peer, func(s Peer) { survivor = s })
	return survivor, removed
}

// DetachFunc is Detach with notify run under the registry lock, so presence
// notices for a slot are queued in the same order as the slot changes.
func (r *Registry) DetachFunc(id string, role protocol.Role, peer Peer, notify func(survivor Peer)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok || rec.peers[role] != peer {
		return false
	}

	delete(rec.peers, role)
	rec.lastActivityAt = r.clock.Now().UTC()
	if notify != nil {
		notify(rec.peers[role.Opposite()])
	}
	return true
}

// Peer returns the socket registered under role.
func (r *Registry) Peer(id string, role protocol.Role) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	peer := rec.peers[role]
	return peer, peer != nil
}

// Touch records activity on the session.
func (r *Registry) Touch(id string) {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	if rec, ok := r.sessions[id]; ok {
		rec.lastActivityAt = now
	}
	r.mu.Unlock()
}

// Sweep evicts sessions whose slots have both been empty for longer than the
// idle timeout and returns their ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	now := r.clock.Now().UTC()

	r.mu.Lock()
	var evicted []string
	for id, rec := range r.sessions {
		if len(rec.peers) > 0 {
			continue
		}
		if now.Sub(rec.lastActivityAt) > r.idleTimeout {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	r.evicted += len(evicted)
	r.mu.Unlock()

	for _, id := range evicted {
		log.Info().Str("session_id", id).Dur("idle_timeout", r.idleTimeout).Msg("session evicted")
		r.publisher.Publish(ctx, events.Event{Type: events.SessionEvicted, SessionID: id, At: now})
	}
	return evicted
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Dur("idle_timeout", r.idleTimeout).Msg("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session sweeper stopped")
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Stats summarises the registry.
func (r *Registry) Stats() model.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := model.Stats{Sessions: len(r.sessions), EvictedTotal: r.evicted}
	for _, rec := range r.sessions {
		if len(rec.peers) == 0 {
			stats.Idle++
		}
		if rec.peers[protocol.RoleKiosk] != nil {
			stats.KioskPeers++
		}
		if rec.peers[protocol.RoleTablet] != nil {
			stats.TabletPeers++
		}
	}
	return stats
}

// CloseAll closes every registered socket. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var peers []Peer
	for _, rec := range r.sessions {
		for _, peer := range rec.peers {
			peers = append(peers, peer)
		}
	}
	r.mu.RUnlock()

	for _, peer := range peers {
		_ = peer.Close()
	}
}
