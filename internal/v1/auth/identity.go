package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

// TokenValidator is the subset of Validator/MockValidator that
// IdentityAdapter depends on, so either can satisfy types.IdentityVerifier.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// IdentityAdapter wraps a TokenValidator to satisfy types.IdentityVerifier,
// the seam the core session engine uses instead of depending on this
// package's JWT/JWKS details directly.
type IdentityAdapter struct {
	validator TokenValidator
}

// NewIdentityAdapter wraps validator (a *Validator or *MockValidator).
func NewIdentityAdapter(validator TokenValidator) *IdentityAdapter {
	return &IdentityAdapter{validator: validator}
}

// Verify validates bearerToken and maps its claims onto types.Identity. An
// empty bearerToken is treated as an anonymous connection rather than an
// error, matching spec.md §6's "validate bearer -> user identity or
// anonymous" contract.
func (a *IdentityAdapter) Verify(ctx context.Context, bearerToken string) (types.Identity, error) {
	token := strings.TrimPrefix(strings.TrimSpace(bearerToken), "Bearer ")
	if token == "" {
		return types.Identity{Anonymous: true}, nil
	}

	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		return types.Identity{}, err
	}
	if claims.Subject == "" {
		return types.Identity{}, errors.New("auth: token missing subject claim")
	}

	username := claims.Name
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Subject
	}

	return types.Identity{
		UserID:   types.UserIDType(claims.Subject),
		Username: username,
	}, nil
}

var _ types.IdentityVerifier = (*IdentityAdapter)(nil)
