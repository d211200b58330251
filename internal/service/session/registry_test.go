package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/events"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/session"
)

type stubPeer struct {
	name   string
	closed bool
}

func (p *stubPeer) Send([]byte) error { return nil }
func (p *stubPeer) Close() error      { p.closed = true; return nil }

func newRegistry(t *testing.T) (*session.Registry, *clockwork.FakeClock, *events.Recorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	rec := &events.Recorder{}
	reg := session.NewRegistry(
		session.WithClock(clock),
		session.WithIdleTimeout(30*time.Minute),
		session.WithPublisher(rec),
	)
	return reg, clock, rec
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg, _, rec := newRegistry(t)
	ctx := context.Background()

	created, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if len(created.ID) != 6 {
		t.Fatalf("expected 6 character code, got %q", created.ID)
	}

	got, err := reg.Get(created.ID)
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if !got.Empty() {
		t.Fatalf("new session should have no peers")
	}
	if rec.Count(events.SessionCreated) != 1 {
		t.Fatalf("expected one created event")
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	reg, _, _ := newRegistry(t)
	if _, err := reg.Get("NOPE00"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegistryRetriesIDCollisions(t *testing.T) {
	ids := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	next := 0
	reg := session.NewRegistry(session.WithIDGenerator(func() string {
		id := ids[next]
		next++
		return id
	}))
	ctx := context.Background()

	first, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	second, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if first.ID != "AAAAAA" || second.ID != "BBBBBB" {
		t.Fatalf("unexpected ids %s %s", first.ID, second.ID)
	}
}

func TestRegistryIDExhausted(t *testing.T) {
	reg := session.NewRegistry(session.WithIDGenerator(func() string { return "SAME00" }))
	ctx := context.Background()

	if _, err := reg.Create(ctx); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if _, err := reg.Create(ctx); !errors.Is(err, session.ErrIDExhausted) {
		t.Fatalf("expected ErrIDExhausted, got %v", err)
	}
}

func TestRegistryOneSocketPerRole(t *testing.T) {
	reg, _, _ := newRegistry(t)
	s, _ := reg.Create(context.Background())

	kiosk := &stubPeer{name: "kiosk"}
	if other, err := reg.Attach(s.ID, protocol.RoleKiosk, kiosk); err != nil || other != nil {
		t.Fatalf("Attach kiosk: other=%v err=%v", other, err)
	}

	if _, err := reg.Attach(s.ID, protocol.RoleKiosk, &stubPeer{name: "kiosk-2"}); !errors.Is(err, session.ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}

	tablet := &stubPeer{name: "tablet"}
	other, err := reg.Attach(s.ID, protocol.RoleTablet, tablet)
	if err != nil {
		t.Fatalf("Attach tablet err: %v", err)
	}
	if other != kiosk {
		t.Fatalf("expected kiosk as the opposite peer")
	}

	if got, ok := reg.Peer(s.ID, protocol.RoleKiosk); !ok || got != kiosk {
		t.Fatalf("kiosk slot should still hold the first socket")
	}
}

func TestRegistryAttachUnknownSessionAndRole(t *testing.T) {
	reg, _, _ := newRegistry(t)

	if _, err := reg.Attach("MISSING", protocol.RoleTablet, &stubPeer{}); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	s, _ := reg.Create(context.Background())
	if _, err := reg.Attach(s.ID, protocol.Role("printer"), &stubPeer{}); !errors.Is(err, protocol.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestRegistryDetachOnlyOnce(t *testing.T) {
	reg, _, _ := newRegistry(t)
	s, _ := reg.Create(context.Background())

	kiosk := &stubPeer{}
	tablet := &stubPeer{}
	reg.Attach(s.ID, protocol.RoleKiosk, kiosk)
	reg.Attach(s.ID, protocol.RoleTablet, tablet)

	survivor, removed := reg.Detach(s.ID, protocol.RoleTablet, tablet)
	if !removed || survivor != kiosk {
		t.Fatalf("first detach: removed=%v survivor=%v", removed, survivor)
	}
	if _, removed := reg.Detach(s.ID, protocol.RoleTablet, tablet); removed {
		t.Fatal("second detach must be a no-op")
	}

	// A stale socket must not clear a newer registration.
	fresh := &stubPeer{}
	reg.Attach(s.ID, protocol.RoleTablet, fresh)
	if _, removed := reg.Detach(s.ID, protocol.RoleTablet, tablet); removed {
		t.Fatal("stale detach cleared the new socket")
	}
	if got, _ := reg.Peer(s.ID, protocol.RoleTablet); got != fresh {
		t.Fatal("tablet slot lost the fresh socket")
	}
}

func TestRegistrySweepEvictsIdleSessions(t *testing.T) {
	reg, clock, rec := newRegistry(t)
	ctx := context.Background()

	idle, _ := reg.Create(ctx)
	busy, _ := reg.Create(ctx)
	kiosk := &stubPeer{}
	reg.Attach(busy.ID, protocol.RoleKiosk, kiosk)

	clock.Advance(29 * time.Minute)
	if evicted := reg.Sweep(ctx); len(evicted) != 0 {
		t.Fatalf("nothing should be evicted before the timeout, got %v", evicted)
	}

	clock.Advance(2 * time.Minute)
	evicted := reg.Sweep(ctx)
	if len(evicted) != 1 || evicted[0] != idle.ID {
		t.Fatalf("expected %s evicted, got %v", idle.ID, evicted)
	}
	if _, err := reg.Attach(idle.ID, protocol.RoleTablet, &stubPeer{}); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after eviction, got %v", err)
	}

	// The idle clock starts when the last peer leaves.
	reg.Detach(busy.ID, protocol.RoleKiosk, kiosk)
	clock.Advance(29 * time.Minute)
	if evicted := reg.Sweep(ctx); len(evicted) != 0 {
		t.Fatalf("busy session evicted too early: %v", evicted)
	}
	clock.Advance(2 * time.Minute)
	if evicted := reg.Sweep(ctx); len(evicted) != 1 {
		t.Fatalf("expected busy session evicted, got %v", evicted)
	}

	if rec.Count(events.SessionEvicted) != 2 {
		t.Fatalf("expected 2 eviction events, got %d", rec.Count(events.SessionEvicted))
	}
	if stats := reg.Stats(); stats.Sessions != 0 || stats.EvictedTotal != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRegistryRunSweepsOnTicker(t *testing.T) {
	reg, clock, rec := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg.Create(ctx)

	done := make(chan struct{})
	go func() {
		reg.Run(ctx, time.Minute)
		close(done)
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}
	clock.Advance(31 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for rec.Count(events.SessionEvicted) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not evict the idle session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRegistryCloseAll(t *testing.T) {
	reg, _, _ := newRegistry(t)
	s, _ := reg.Create(context.Background())
	kiosk := &stubPeer{}
	reg.Attach(s.ID, protocol.RoleKiosk, kiosk)

	reg.CloseAll()
	if !kiosk.closed {
		t.Fatal("expected peer closed")
	}
}
