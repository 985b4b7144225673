// Package auth implements wallet sign-in: a time-boxed single-use nonce,
// an EIP-191 personal_sign verification that atomically claims it, and a
// JWT identity token minted on success. Identity tokens are independent
// of payment sessions; usage payloads authenticate with session tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when an identity token is malformed,
// expired or signed with the wrong key.
var ErrInvalidToken = errors.New("invalid token")

// Claims holds the identity token claims. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Wallet string `json:"wallet"`
}

// TokenProvider issues and validates HS256 identity tokens.
type TokenProvider struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewTokenProvider(secret []byte, issuer string, ttl time.Duration) *TokenProvider {
	return &TokenProvider{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue mints an identity token for the given user and wallet.
func (p *TokenProvider) Issue(userID, wallet string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(p.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Wallet: wallet,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate parses the token and returns the user id and wallet.
func (p *TokenProvider) Validate(tokenString string) (userID, wallet string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	})
	if err != nil {
		return "", "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}
	if claims.Issuer != p.issuer {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.Wallet, nil
}
