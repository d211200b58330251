package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	model "github.com/zhouzirui/vision-kiosk/backend/internal/model/session"
	relayService "github.com/zhouzirui/vision-kiosk/backend/internal/service/relay"
	sessionService "github.com/zhouzirui/vision-kiosk/backend/internal/service/session"
)

func setupRouter() *chi.Mux {
	svc := relayService.NewService(sessionService.NewRegistry(), nil)
	handler := New(svc)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func TestCreateAndGetSession(t *testing.T) {
	r := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/session", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}

	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(created.SessionID) != 6 {
		t.Fatalf("unexpected session id %q", created.SessionID)
	}

	req = httptest.NewRequest(http.MethodGet, "/session/"+strings.ToLower(created.SessionID), nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var snapshot model.Session
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if snapshot.ID != created.SessionID || snapshot.KioskOnline || snapshot.TabletOnline {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := setupRouter()

	req := httptest.NewRequest(http.MethodGet, "/session/FFFFFF", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
