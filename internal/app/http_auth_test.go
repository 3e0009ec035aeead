package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"crisiswatch/api/internal/auth"
	"crisiswatch/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore, fc *fakeCache) (*httptest.Server, *Service) {
	t.Helper()
	svc := newTestService(fs, fc)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc
}

func doRequest(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	decoded := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response body %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func userToken(t *testing.T, userID string, isAdmin bool) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), userID, isAdmin, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func TestRegisterEndpoint(t *testing.T) {
	created := map[string]store.User{}
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			if user, ok := created[username]; ok {
				return user, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		createUserFn: func(_ context.Context, username, passwordHash string) (store.User, error) {
			user := store.User{ID: len(created) + 1, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
			created[username] = user
			return user, nil
		},
	}
	server, _ := newTestServer(t, fs, newFakeCache())
	registerURL := server.URL + "/api/auth/register"

	resp, body := doRequest(t, http.MethodPost, registerURL, "", map[string]string{
		"username": "alice",
		"password": "str0ng#pass",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, body)
	}
	if body["username"] != "alice" {
		t.Errorf("expected username alice, got %v", body["username"])
	}
	if body["is_admin"] != false {
		t.Errorf("expected is_admin=false, got %v", body["is_admin"])
	}

	// Same username again conflicts.
	resp, body = doRequest(t, http.MethodPost, registerURL, "", map[string]string{
		"username": "alice",
		"password": "str0ng#pass",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != "CONFLICT" {
		t.Errorf("expected code CONFLICT, got %v", body["code"])
	}
}

func TestRegisterRejectsWeakPasswords(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, newFakeCache())
	registerURL := server.URL + "/api/auth/register"

	tests := []struct {
		name     string
		password string
	}{
		{"missing hashtag", "password123"},
		{"too short", "pwd#1"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodPost, registerURL, "", map[string]string{
				"username": "bob",
				"password": tt.password,
			})
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, body)
			}
			if body["code"] != "VALIDATION_ERROR" {
				t.Errorf("expected code VALIDATION_ERROR, got %v", body["code"])
			}
		})
	}
}

func TestLoginEndpoint(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("str0ng#pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			if username == "alice" {
				return store.User{ID: 42, Username: "alice", PasswordHash: string(hash), IsAdmin: true}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
	}
	server, svc := newTestServer(t, fs, newFakeCache())
	loginURL := server.URL + "/api/auth/login"

	resp, body := doRequest(t, http.MethodPost, loginURL, "", map[string]string{
		"username": "alice",
		"password": "str0ng#pass",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	token, ok := body["access_token"].(string)
	if !ok || token == "" {
		t.Fatalf("expected an access_token, got %v", body)
	}

	session, err := svc.SessionFromToken(token)
	if err != nil {
		t.Fatalf("issued token did not parse: %v", err)
	}
	if session.UserID != 42 || !session.IsAdmin {
		t.Errorf("expected admin session for user 42, got %+v", session)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("str0ng#pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	fs := &fakeStore{
		getUserByUsernameFn: func(_ context.Context, username string) (store.User, error) {
			return store.User{ID: 1, Username: username, PasswordHash: string(hash)}, nil
		},
	}
	server, _ := newTestServer(t, fs, newFakeCache())

	resp, body := doRequest(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]string{
		"username": "alice",
		"password": "wrong#password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%v)", resp.StatusCode, body)
	}
	if body["error"] != "Invalid username or password" {
		t.Errorf("unexpected error message: %v", body["error"])
	}
}

func TestLoginUnknownUserSameErrorAsWrongPassword(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, newFakeCache())

	resp, body := doRequest(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]string{
		"username": "nobody",
		"password": "whatever#1",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["error"] != "Invalid username or password" {
		t.Errorf("unexpected error message: %v", body["error"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, newFakeCache())

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not-a-jwt"},
		{"expired token", func() string {
			token, err := auth.IssueToken([]byte("test-secret"), "1", false, -time.Minute)
			if err != nil {
				t.Fatalf("IssueToken failed: %v", err)
			}
			return token
		}()},
		{"wrong secret", func() string {
			token, err := auth.IssueToken([]byte("other-secret"), "1", false, time.Hour)
			if err != nil {
				t.Fatalf("IssueToken failed: %v", err)
			}
			return token
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodGet, server.URL+"/api/conflicts", tt.token, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d (%v)", resp.StatusCode, body)
			}
			if body["code"] != "UNAUTHORIZED" {
				t.Errorf("expected code UNAUTHORIZED, got %v", body["code"])
			}
		})
	}
}

func TestDeleteRequiresAdmin(t *testing.T) {
	fs := &fakeStore{
		deleteConflictsFn: func(context.Context, string, string) (int, error) {
			return 2, nil
		},
	}
	server, _ := newTestServer(t, fs, newFakeCache())
	deleteURL := server.URL + "/api/conflicts"
	body := map[string]string{"country": "Nigeria", "admin1": "Adamawa"}

	resp, payload := doRequest(t, http.MethodDelete, deleteURL, userToken(t, "1", false), body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d (%v)", resp.StatusCode, payload)
	}
	if payload["error"] != "Admin access required" {
		t.Errorf("unexpected error message: %v", payload["error"])
	}

	// Missing credentials beat insufficient role.
	resp, payload = doRequest(t, http.MethodDelete, deleteURL, "", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d (%v)", resp.StatusCode, payload)
	}

	resp, payload = doRequest(t, http.MethodDelete, deleteURL, userToken(t, "1", true), body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%v)", resp.StatusCode, payload)
	}
	if payload["deleted"] != float64(2) {
		t.Errorf("expected deleted=2, got %v", payload["deleted"])
	}
}
