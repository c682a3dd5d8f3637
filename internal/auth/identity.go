package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

// context key type for storing auth claims in context
type authContextKey struct{}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, c)
}

// ClaimsFromContext extracts auth claims from the context, if present.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(authContextKey{}).(*Claims)
	return c, ok && c != nil
}

// ContextIdentity resolves the viewer from claims attached with WithClaims.
type ContextIdentity struct{}

// Viewer implements chat.Identity.
func (ContextIdentity) Viewer(ctx context.Context) (string, error) {
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.UserID == "" {
		return "", chat.ErrUnauthenticated
	}
	return c.UserID, nil
}

// TokenIdentity resolves the viewer by verifying a bearer token on every
// call, so an expired token stops working mid-session.
type TokenIdentity struct {
	Manager *JWTManager
	Token   string
}

// Viewer implements chat.Identity.
func (t TokenIdentity) Viewer(context.Context) (string, error) {
	if t.Manager == nil || t.Token == "" {
		return "", chat.ErrUnauthenticated
	}
	claims, err := t.Manager.VerifyToken(t.Token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrUnauthenticated, err)
	}
	return claims.UserID, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if token == "" {
		return "", errors.New("invalid token")
	}
	return token, nil
}
