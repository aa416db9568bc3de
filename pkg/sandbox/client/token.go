package client

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenAudience is the audience claim of sandbox request tokens.
const TokenAudience = "omega-sandbox"

// tokenTTL bounds how long a minted request token stays valid.
const tokenTTL = 2 * time.Minute

// SignToken mints a short-lived HS256 token authorizing one request.
// The subject names the calling supervisor.
func SignToken(secret []byte, subject string, now time.Time) (string, error) {
	claims := jwtlib.RegisteredClaims{
		Subject:   subject,
		Audience:  jwtlib.ClaimStrings{TokenAudience},
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(tokenTTL)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing sandbox token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks a token minted by SignToken and returns its subject.
func VerifyToken(secret []byte, tokenStr string) (string, error) {
	claims := &jwtlib.RegisteredClaims{}
	_, err := jwtlib.ParseWithClaims(tokenStr, claims, func(token *jwtlib.Token) (interface{}, error) {
		return secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithAudience(TokenAudience),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("invalid sandbox token: %w", err)
	}
	return claims.Subject, nil
}
