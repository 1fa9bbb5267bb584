package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the caller behind a connection. Token is kept so it can be
// forwarded to the document service for role checks.
type Identity struct {
	UserID string
	Token  string
}

// Authenticator verifies HS256 tokens issued by the auth service. With an
// empty secret every caller is accepted as anonymous.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// FromRequest reads the token from the Authorization header, the token query
// parameter (browsers cannot set headers on websocket upgrades) or the token cookie.
func (a *Authenticator) FromRequest(r *http.Request) (Identity, error) {
	token := bearerToken(r)

	if !a.Enabled() {
		return Identity{UserID: "anonymous", Token: token}, nil
	}
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrInvalidToken)
	}

	userID, err := a.Parse(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: userID, Token: token}, nil
}

// Parse validates the signature and expiry and returns the user id claim.
func (a *Authenticator) Parse(token string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	for _, key := range []string{"userId", "id", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: no user id claim", ErrInvalidToken)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}
