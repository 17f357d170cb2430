package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apppkg "github.com/opsdesk/servicedesk-go/cmd/api/app"
	authpkg "github.com/opsdesk/servicedesk-go/cmd/api/auth"
)

func newLocalApp() *apppkg.App {
	cfg := apppkg.Config{
		Env:             "test",
		AuthMode:        "local",
		AuthLocalSecret: "local-secret",
		AdminPassword:   "admin",
		OIDCGroupClaim:  "groups",
	}
	a := apppkg.NewApp(cfg, nil, nil, nil, nil)
	a.R.POST("/login", authpkg.Login(a))
	a.R.GET("/me", authpkg.Middleware(a), authpkg.Me)
	return a
}

func TestLocalLoginIssuesUsableToken(t *testing.T) {
	a := newLocalApp()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"admin"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in response: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var u authpkg.AuthUser
	if err := json.Unmarshal(rr.Body.Bytes(), &u); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if u.ExternalID != "admin" {
		t.Fatalf("unexpected subject: %+v", u)
	}
	if len(u.Roles) != 1 || u.Roles[0] != "admin" {
		t.Fatalf("roles not populated: %+v", u.Roles)
	}
}

func TestLocalLoginRejectsBadPassword(t *testing.T) {
	a := newLocalApp()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
