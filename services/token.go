package services

import (
	"time"

	"accountguard/model"

	"github.com/golang-jwt/jwt/v5"
)

// IssueAccessToken signs an access token in the format GetCurrentUser
// accepts. Tokens are normally minted by the account service; this is used by
// local tooling and tests.
func (p *JWTIdentityProvider) IssueAccessToken(userID, email string, method model.AuthMethod, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"email":   email,
		"amr":     string(method),
		"type":    "access",
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	if p.issuer != "" {
		claims["iss"] = p.issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}
