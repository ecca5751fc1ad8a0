package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"splitrouted/internal/activitylog"
	"splitrouted/internal/controlauth"
	"splitrouted/internal/engine"
	"splitrouted/internal/matcher"
	"splitrouted/internal/statestore"
)

func newTestServer(t *testing.T) (*Server, *controlauth.Manager) {
	t.Helper()
	dir := t.TempDir()
	store := statestore.NewManager(filepath.Join(dir, "state.json"))
	logStore, err := activitylog.Open(":memory:")
	if err != nil {
		t.Fatalf("activitylog.Open: %v", err)
	}
	t.Cleanup(func() { logStore.Close() })

	auth := controlauth.NewManager(store)
	if err := auth.EnsureDefaults(); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	eng := engine.New(store, logStore)
	s := New(eng, auth, engine.Config{})
	return s, auth
}

func TestStatusRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestLoginReturnsTokensUsableForStatus(t *testing.T) {
	s, auth := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(loginRequest{Password: "splitrouted"})
	req := httptest.NewRequest("POST", "/api/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	token, _ := auth.GetToken(controlauth.ScopeControl)
	if resp.Token != token {
		t.Fatalf("expected login to return the stored control token")
	}
	readToken, _ := auth.GetToken(controlauth.ScopeRead)
	if resp.ReadToken != readToken {
		t.Fatalf("expected login to return the stored read token")
	}

	statusReq := httptest.NewRequest("GET", "/api/status", nil)
	statusReq.Header.Set("Authorization", "Bearer "+resp.ReadToken)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)

	if statusRec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid read token, got %d", statusRec.Code)
	}
}

func TestStatusReportsConfiguredVPNInterface(t *testing.T) {
	dir := t.TempDir()
	store := statestore.NewManager(filepath.Join(dir, "state.json"))
	logStore, err := activitylog.Open(":memory:")
	if err != nil {
		t.Fatalf("activitylog.Open: %v", err)
	}
	defer logStore.Close()

	auth := controlauth.NewManager(store)
	if err := auth.EnsureDefaults(); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	eng := engine.New(store, logStore)
	s := New(eng, auth, engine.Config{VPNInterface: "wg0"})
	router := s.Router()

	token, _ := auth.GetToken(controlauth.ScopeRead)
	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload StatusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.VPNInterface != "wg0" {
		t.Fatalf("expected configured VPN interface to be reported, got %q", payload.VPNInterface)
	}
	if payload.VPNAddress != "" {
		t.Fatalf("expected no VPN address while the engine is not running, got %q", payload.VPNAddress)
	}
}

func TestReadTokenCannotStartEngine(t *testing.T) {
	s, auth := newTestServer(t)
	router := s.Router()
	readToken, _ := auth.GetToken(controlauth.ScopeRead)

	req := httptest.NewRequest("POST", "/api/start", nil)
	req.Header.Set("Authorization", "Bearer "+readToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a read-only token on /api/start, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSetRulesRejectsInvalidPattern(t *testing.T) {
	s, auth := newTestServer(t)
	router := s.Router()
	token, _ := auth.GetToken(controlauth.ScopeControl)

	body, _ := json.Marshal([]matcher.Rule{{Pattern: "bad domain", Tunnel: true}})
	req := httptest.NewRequest("PUT", "/api/rules", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid pattern, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSetRulesThenGetRulesRoundTrips(t *testing.T) {
	s, auth := newTestServer(t)
	router := s.Router()
	controlToken, _ := auth.GetToken(controlauth.ScopeControl)
	readToken, _ := auth.GetToken(controlauth.ScopeRead)

	rules := []matcher.Rule{{Pattern: "example.com", Tunnel: true}, {Pattern: "*.cdn.example.com", Tunnel: false}}
	body, _ := json.Marshal(rules)
	setReq := httptest.NewRequest("PUT", "/api/rules", bytes.NewReader(body))
	setReq.Header.Set("Authorization", "Bearer "+controlToken)
	setRec := httptest.NewRecorder()
	router.ServeHTTP(setRec, setReq)
	if setRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", setRec.Code, setRec.Body.String())
	}

	getReq := httptest.NewRequest("GET", "/api/rules", nil)
	getReq.Header.Set("Authorization", "Bearer "+readToken)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)

	var got []matcher.Rule
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(got))
	}
}
