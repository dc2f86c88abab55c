package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accountguard/model"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityProvider is the primary credential system. This service never
// manages passwords or primary tokens itself.
type IdentityProvider interface {
	GetCurrentUser(ctx context.Context, token string) (*model.Identity, error)
	VerifyPassword(ctx context.Context, email, password string) (bool, error)
	InvalidatePrimarySession(ctx context.Context, token string) error
}

// JWTIdentityProvider validates HS256 access tokens issued by the account
// service and checks passwords against its users collection.
type JWTIdentityProvider struct {
	secret    []byte
	issuer    string
	users     UserStore
	blacklist TokenBlacklist
}

func NewJWTIdentityProvider(secret, issuer string, users UserStore, blacklist TokenBlacklist) *JWTIdentityProvider {
	return &JWTIdentityProvider{
		secret:    []byte(secret),
		issuer:    issuer,
		users:     users,
		blacklist: blacklist,
	}
}

func (p *JWTIdentityProvider) parse(token string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

func (p *JWTIdentityProvider) GetCurrentUser(ctx context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := p.parse(token, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	// Refresh tokens cannot be used as access tokens
	if tokenType, _ := claims["type"].(string); tokenType == "refresh" {
		return nil, fmt.Errorf("%w: refresh token presented", ErrUnauthenticated)
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user_id claim", ErrUnauthenticated)
	}

	if p.blacklist != nil {
		revoked, err := p.blacklist.IsRevoked(ctx, token)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, fmt.Errorf("%w: token has been invalidated", ErrUnauthenticated)
		}
	}

	identity := &model.Identity{
		ID:         userID,
		AuthMethod: model.AuthMethodPassword,
		Token:      token,
	}
	identity.Email, _ = claims["email"].(string)
	if amr, _ := claims["amr"].(string); amr == string(model.AuthMethodOAuth) {
		identity.AuthMethod = model.AuthMethodOAuth
	}

	user, err := p.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		identity.HasPassword = user.Password != ""
		if identity.Email == "" {
			identity.Email = user.Email
		}
	}

	return identity, nil
}

func (p *JWTIdentityProvider) VerifyPassword(ctx context.Context, email, password string) (bool, error) {
	user, err := p.users.FindByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	if user == nil || user.Password == "" {
		return false, nil
	}
	ok, err := VerifyPassword(user.Password, password)
	if err != nil {
		// malformed stored hash: treat as a mismatch
		return false, nil
	}
	return ok, nil
}

// InvalidatePrimarySession blacklists the token until it would have expired
// anyway.
func (p *JWTIdentityProvider) InvalidatePrimarySession(ctx context.Context, token string) error {
	if p.blacklist == nil {
		return errors.New("token blacklist not configured")
	}
	claims, err := p.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	until := time.Now().Add(24 * time.Hour)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		until = exp.Time
	}
	return p.blacklist.Revoke(ctx, token, until)
}
