package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"viewer", RoleViewer},
		{"editor", RoleEditor},
		{"admin", RoleAdmin},
		{"", RoleViewer},
		{"owner", RoleViewer},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Normalize(tc.in))
	}
	assert.Equal(t, false, CanEdit(RoleViewer))
	assert.Equal(t, true, CanEdit(RoleEditor))
	assert.Equal(t, true, CanEdit(RoleAdmin))
}

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator("")
	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)

	id, err := a.FromRequest(req)
	assert.Equal(t, nil, err)
	assert.Equal(t, "anonymous", id.UserID)
	assert.Equal(t, "abc", id.Token)
}

func TestAuthenticatorTokenSources(t *testing.T) {
	a := NewAuthenticator("s3cret")
	token := signed(t, "s3cret", jwt.MapClaims{
		"userId": "u-1",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	header := httptest.NewRequest(http.MethodGet, "/ws", nil)
	header.Header.Set("Authorization", "Bearer "+token)

	query := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)

	cookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	cookie.AddCookie(&http.Cookie{Name: "token", Value: token})

	for name, req := range map[string]*http.Request{"header": header, "query": query, "cookie": cookie} {
		id, err := a.FromRequest(req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		assert.Equal(t, "u-1", id.UserID)
		assert.Equal(t, token, id.Token)
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	a := NewAuthenticator("s3cret")

	tests := map[string]string{
		"missing":       "",
		"bad signature": signed(t, "other", jwt.MapClaims{"userId": "u-1"}),
		"expired":       signed(t, "s3cret", jwt.MapClaims{"userId": "u-1", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no user":       signed(t, "s3cret", jwt.MapClaims{"role": "editor"}),
	}
	for name, token := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		_, err := a.FromRequest(req)
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestAuthenticatorFallsBackToIDClaim(t *testing.T) {
	a := NewAuthenticator("s3cret")
	userID, err := a.Parse(signed(t, "s3cret", jwt.MapClaims{"id": "u-2"}))
	assert.Equal(t, nil, err)
	assert.Equal(t, "u-2", userID)
}

func TestDocumentServiceClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/documents/doc-1":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"document":{"_id":"doc-1"},"userRole":"viewer"}`))
		case "/api/documents/doc-2":
			w.Write([]byte(`{"document":{"_id":"doc-2"},"userRole":"superuser"}`))
		case "/api/documents/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewDocumentServiceClient(srv.URL, time.Second)
	ctx := context.Background()

	role, err := c.RoleFor(ctx, Identity{UserID: "u", Token: "tok"}, "doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, RoleViewer, role)

	role, err = c.RoleFor(ctx, Identity{UserID: "u"}, "doc-2")
	assert.Equal(t, nil, err)
	assert.Equal(t, RoleViewer, role)

	_, err = c.RoleFor(ctx, Identity{UserID: "u"}, "doc-1")
	assert.Equal(t, true, errors.Is(err, ErrNoAccess))

	err = c.Confirm(ctx, "tok", "missing")
	assert.Equal(t, true, errors.Is(err, ErrNoAccess))

	err = c.Confirm(ctx, "tok", "broken")
	assert.NotEqual(t, nil, err)
	assert.Equal(t, false, errors.Is(err, ErrNoAccess))

	assert.Equal(t, nil, c.Confirm(ctx, "tok", "doc-1"))
}

func TestStaticResolver(t *testing.T) {
	role, err := StaticResolver{Role: RoleEditor}.RoleFor(context.Background(), Identity{}, "any")
	assert.Equal(t, nil, err)
	assert.Equal(t, RoleEditor, role)
}
