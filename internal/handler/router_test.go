package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
	eventService "github.com/zhouzirui/vision-kiosk/backend/internal/service/events"
	relayService "github.com/zhouzirui/vision-kiosk/backend/internal/service/relay"
	sessionService "github.com/zhouzirui/vision-kiosk/backend/internal/service/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			PingInterval:      time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      time.Second,
			HeartbeatInterval: time.Hour,
			MaxFrameBytes:     1 << 20,
			SendBuffer:        16,
		},
		CORS: config.CORSConfig{Origins: []string{"http://localhost:5173"}},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *eventService.Recorder) {
	t.Helper()
	rec := &eventService.Recorder{}
	registry := sessionService.NewRegistry(sessionService.WithPublisher(rec))
	svc := relayService.NewService(registry, rec)

	srv := httptest.NewServer(NewRouter(testConfig(), svc, eventService.NewBroadcaster()))
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
	})
	return srv, rec
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.SessionID
}

func dial(t *testing.T, srv *httptest.Server, sessionID, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session=" + sessionID + "&role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", role, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame returns the next non-heartbeat frame.
func readFrame(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg.Type == protocol.TypePing {
			continue
		}
		return msg
	}
}

func expectRejected(t *testing.T, conn *websocket.Conn, code string, closeCode int) {
	t.Helper()
	msg := readFrame(t, conn)
	if msg.Type != protocol.TypeError || msg.Code != code {
		t.Fatalf("expected ERROR %s, got %+v", code, msg)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != closeCode {
		t.Fatalf("expected close code %d, got %v", closeCode, err)
	}
}

func TestPingAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var body string
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body != "checked" {
		t.Fatalf("unexpected ping body %q", body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRelayScenario(t *testing.T) {
	srv, rec := newTestServer(t)
	id := createSession(t, srv)

	kiosk := dial(t, srv, id, "kiosk")
	if msg := readFrame(t, kiosk); msg.Type != protocol.TypeConnected || msg.Role != protocol.RoleKiosk {
		t.Fatalf("kiosk expected CONNECTED, got %+v", msg)
	}

	tablet := dial(t, srv, strings.ToLower(id), "TABLET")
	if msg := readFrame(t, tablet); msg.Type != protocol.TypeConnected {
		t.Fatalf("tablet expected CONNECTED, got %+v", msg)
	}
	if msg := readFrame(t, tablet); msg.Type != protocol.TypePeerStatus || msg.Role != protocol.RoleKiosk || msg.Status != protocol.StatusOnline {
		t.Fatalf("tablet expected kiosk online, got %+v", msg)
	}
	if msg := readFrame(t, kiosk); msg.Type != protocol.TypePeerStatus || msg.Role != protocol.RoleTablet || msg.Status != protocol.StatusOnline {
		t.Fatalf("kiosk expected tablet online, got %+v", msg)
	}

	// Malformed and spoofed frames are dropped; the next valid one still arrives.
	tablet.WriteMessage(websocket.TextMessage, []byte("not json"))
	tablet.WriteMessage(websocket.TextMessage, []byte(`{"type":"PEER_STATUS","role":"tablet","status":"offline"}`))
	tablet.WriteMessage(websocket.TextMessage, []byte(`{"type":"SHUTTER","countdown":3}`))

	msg := readFrame(t, kiosk)
	if msg.Type != protocol.TypeShutter || msg.CountdownSeconds() != 3 {
		t.Fatalf("kiosk expected SHUTTER 3, got %+v", msg)
	}

	kiosk.WriteMessage(websocket.TextMessage, []byte(`{"type":"CAPTURED"}`))
	if msg := readFrame(t, tablet); msg.Type != protocol.TypeCaptured {
		t.Fatalf("tablet expected CAPTURED, got %+v", msg)
	}

	tablet.Close()
	msg = readFrame(t, kiosk)
	if msg.Type != protocol.TypePeerStatus || msg.Role != protocol.RoleTablet || msg.Status != protocol.StatusOffline {
		t.Fatalf("kiosk expected tablet offline, got %+v", msg)
	}

	// Exactly one offline notice: the next frame is the one the kiosk gets
	// after the tablet reconnects.
	tablet2 := dial(t, srv, id, "tablet")
	readFrame(t, tablet2)
	if msg := readFrame(t, kiosk); msg.Status != protocol.StatusOnline {
		t.Fatalf("expected online after reconnect, got %+v", msg)
	}

	if rec.Count(eventService.PeerOffline) != 1 {
		t.Fatalf("expected one offline event, got %d", rec.Count(eventService.PeerOffline))
	}
}

func TestRelayRejections(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	t.Run("unknown session", func(t *testing.T) {
		conn := dial(t, srv, "000000", "kiosk")
		expectRejected(t, conn, protocol.CodeSessionNotFound, 4000)
	})

	t.Run("invalid role", func(t *testing.T) {
		conn := dial(t, srv, id, "printer")
		expectRejected(t, conn, protocol.CodeInvalidRole, 4001)
	})

	t.Run("role conflict", func(t *testing.T) {
		first := dial(t, srv, id, "tablet")
		readFrame(t, first)

		second := dial(t, srv, id, "tablet")
		expectRejected(t, second, protocol.CodeRoleConflict, 4002)

		// The original socket is untouched.
		kiosk := dial(t, srv, id, "kiosk")
		readFrame(t, kiosk)
		readFrame(t, kiosk)
		kiosk.WriteMessage(websocket.TextMessage, []byte(`{"type":"CAPTURED"}`))
		if msg := readFrame(t, first); msg.Type != protocol.TypePeerStatus {
			t.Fatalf("first tablet expected kiosk presence, got %+v", msg)
		}
		if msg := readFrame(t, first); msg.Type != protocol.TypeCaptured {
			t.Fatalf("first tablet expected CAPTURED, got %+v", msg)
		}
	})
}
