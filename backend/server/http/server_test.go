package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/syncparty/backend/auth"
	"github.com/adwski/syncparty/backend/model"
	"github.com/adwski/syncparty/backend/service"
	store "github.com/adwski/syncparty/backend/storage/memory"
	sw "github.com/adwski/syncparty/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "secret"

type mockInviteService struct {
	err     error
	gotRoom string
	gotTTL  time.Duration
}

func (m *mockInviteService) CreateInvite(roomID, _ string, ttl time.Duration) (model.Invite, error) {
	m.gotRoom, m.gotTTL = roomID, ttl
	if m.err != nil {
		return model.Invite{}, m.err
	}
	return model.Invite{Token: "tok", ExpiresAt: 1700000000}, nil
}

func (m *mockInviteService) Stats() model.Stats {
	return model.Stats{AuthEnabled: true, Rooms: 2, Connections: 3}
}

func newTestServer(svc InviteService) *Server {
	logger := zerolog.Nop()
	return NewServer(Config{
		Logger:         &logger,
		InviteService:  svc,
		AllowedOrigins: []string{"http://localhost:8096"},
	})
}

func doInvite(t *testing.T, srv *Server, authz, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/invite", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestInviteStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		authz  string
		body   string
		err    error
		status int
		code   model.ErrorCode
	}{
		{name: "no header", body: `{"room":"r"}`, status: http.StatusUnauthorized, code: model.CodeAuthRequired},
		{name: "not bearer", authz: "Basic abc", body: `{"room":"r"}`, status: http.StatusUnauthorized, code: model.CodeAuthRequired},
		{name: "invalid token", authz: "Bearer x", body: `{"room":"r"}`, err: model.ErrInvalidToken, status: http.StatusUnauthorized, code: model.CodeInvalidToken},
		{name: "forbidden", authz: "Bearer x", body: `{"room":"r"}`, err: model.ErrForbidden, status: http.StatusForbidden, code: model.CodeForbidden},
		{name: "missing room", authz: "Bearer x", body: `{"room":"r"}`, err: model.ErrRoomNotFound, status: http.StatusNotFound, code: model.CodeRoomNotFound},
		{name: "bad body", authz: "Bearer x", body: `{`, status: http.StatusBadRequest, code: model.CodeInvalidPayload},
		{name: "no room", authz: "Bearer x", body: `{}`, status: http.StatusBadRequest, code: model.CodeInvalidPayload},
		{name: "negative ttl", authz: "Bearer x", body: `{"room":"r","expires_in":-5}`, status: http.StatusBadRequest, code: model.CodeInvalidPayload},
		{name: "ttl overflow", authz: "Bearer x", body: `{"room":"r","expires_in":18446744074}`, status: http.StatusBadRequest, code: model.CodeInvalidPayload},
		{name: "internal", authz: "Bearer x", body: `{"room":"r"}`, err: service.ErrCreateInvite, status: http.StatusInternalServerError, code: model.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&mockInviteService{err: tt.err})
			rec := doInvite(t, srv, tt.authz, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var p model.ErrorPayload
			if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
				t.Fatalf("error body is not json: %v", err)
			}
			if p.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, spew.Sdump(p))
			}
		})
	}
}

func TestInviteOK(t *testing.T) {
	svc := &mockInviteService{}
	srv := newTestServer(svc)

	rec := doInvite(t, srv, "bearer  tok ", `{"room":"room-1","expires_in":60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["invite_token"] != "tok" || body["expires_at"] != float64(1700000000) {
		t.Errorf("unexpected body: %s", spew.Sdump(body))
	}
	if svc.gotRoom != "room-1" || svc.gotTTL != time.Minute {
		t.Errorf("unexpected service call: room=%s ttl=%s", svc.gotRoom, svc.gotTTL)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&mockInviteService{})
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["auth_enabled"] != true || body["rooms"] != float64(2) || body["connections"] != float64(3) {
		t.Errorf("unexpected health body: %s", spew.Sdump(body))
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&mockInviteService{})

	req := httptest.NewRequest(http.MethodOptions, "/invite", nil)
	req.Header.Set("Origin", "http://localhost:8096")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:8096" {
		t.Errorf("unexpected allow-origin %q", got)
	}

	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin was allowed: %q", got)
	}
}

func TestInviteWithService(t *testing.T) {
	logger := zerolog.Nop()
	authority, err := auth.NewAuthority(auth.AuthorityConfig{Secret: []byte(testSecret)})
	if err != nil {
		t.Fatal(err)
	}
	ms := store.NewMemStore()
	ms.CreateRoom("room-http", "host-1", "demo", nil, 0)
	svc := service.NewService(service.Config{
		RoomStore:  ms,
		Switch:     sw.NewSwitch(&logger, ms),
		Authorizer: auth.NewPolicy(authority, nil, auth.NewRoles([]string{"host"})),
		Logger:     &logger,
	})
	srv := newTestServer(svc)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"role":    "host",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	rec := doInvite(t, srv, "Bearer "+token, `{"room":"room-http","expires_in":60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var invite model.Invite
	if err = json.Unmarshal(rec.Body.Bytes(), &invite); err != nil {
		t.Fatal(err)
	}
	if invite.Token == "" || invite.ExpiresAt == 0 {
		t.Fatalf("response lacks invite fields: %s", rec.Body.String())
	}
	if err = authority.VerifyInvite(invite.Token, "room-http"); err != nil {
		t.Errorf("issued invite does not verify: %v", err)
	}

	rec = doInvite(t, srv, "Bearer "+token, `{"room":"room-missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
